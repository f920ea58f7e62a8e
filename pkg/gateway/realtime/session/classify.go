package session

import (
	"time"

	"github.com/vango-go/vai-relay/pkg/gateway/realtime/protocol"
)

// Classification is what Classify observed about one upstream frame. Both
// fields are nil for frames it does not recognize.
type Classification struct {
	Entry *Entry
	Usage *protocol.Usage
}

// Classify records completed transcriptions into tr and surfaces usage from
// response.done. It never changes or filters the frame itself.
func Classify(ev protocol.ServerEvent, tr *Transcript, now time.Time) Classification {
	var out Classification
	switch e := ev.(type) {
	case protocol.InputTranscriptionCompleted:
		out.Entry = &Entry{Timestamp: now, Role: RoleUser, Text: e.Transcript}
	case protocol.OutputTranscriptDone:
		out.Entry = &Entry{Timestamp: now, Role: RoleAssistant, Text: e.Transcript}
	case protocol.ResponseDone:
		out.Usage = e.Usage
	}
	if out.Entry != nil && tr != nil {
		tr.Append(*out.Entry)
	}
	return out
}
