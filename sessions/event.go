package sessions

import (
	"bytes"
	"strings"
)

// Event is a single server-sent event.
type Event struct {
	ID   string
	Name string
	Data []byte
}

// Frame encodes e in text/event-stream format. Multi-line data is split
// across data fields; CRLF and CR line endings are normalized.
func (e Event) Frame() []byte {
	var buf bytes.Buffer
	if e.ID != "" {
		buf.WriteString("id: ")
		buf.WriteString(singleLine(e.ID))
		buf.WriteByte('\n')
	}
	if e.Name != "" {
		buf.WriteString("event: ")
		buf.WriteString(singleLine(e.Name))
		buf.WriteByte('\n')
	}
	data := bytes.ReplaceAll(e.Data, []byte("\r\n"), []byte("\n"))
	data = bytes.ReplaceAll(data, []byte("\r"), []byte("\n"))
	for _, line := range bytes.Split(data, []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	return buf.Bytes()
}

func singleLine(s string) string {
	return strings.NewReplacer("\r", "", "\n", "").Replace(s)
}

var keepAliveFrame = []byte(": keepalive\n\n")
