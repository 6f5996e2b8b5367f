package cluster

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/types/known/structpb"
)

// Workers are separate OS-level execution units: any cross-worker
// coordination goes through these explicit control messages between the
// primary and its workers, never through in-memory shared structures.
// Messages are length-delimited protobuf Structs, so both ends stay
// schema-free while the framing stays binary-safe.

// Message is one control-plane message.
type Message struct {
	Kind   string
	Fields map[string]any
}

// WriteMessage frames m onto w.
func WriteMessage(w io.Writer, m Message) error {
	payload := make(map[string]any, len(m.Fields)+1)
	for k, v := range m.Fields {
		payload[k] = v
	}
	payload["kind"] = m.Kind
	s, err := structpb.NewStruct(payload)
	if err != nil {
		return fmt.Errorf("cluster: encode control message: %w", err)
	}
	_, err = protodelim.MarshalTo(w, s)
	return err
}

// ReadMessage reads the next framed message from r.
func ReadMessage(r *bufio.Reader) (Message, error) {
	var s structpb.Struct
	if err := protodelim.UnmarshalFrom(r, &s); err != nil {
		return Message{}, err
	}
	fields := s.AsMap()
	m := Message{Fields: fields}
	if kind, ok := fields["kind"].(string); ok {
		m.Kind = kind
		delete(fields, "kind")
	}
	return m, nil
}

// Control descriptor numbers inside a worker process. The primary wires
// them up through ExtraFiles when spawning.
const (
	controlReadFD  = 3
	controlWriteFD = 4
)

// WorkerControl is a worker's end of the control channel.
type WorkerControl struct {
	in  *bufio.Reader
	out *os.File
}

// OpenWorkerControl picks up the control descriptors inherited from the
// primary. Only valid inside a worker process.
func OpenWorkerControl() *WorkerControl {
	return &WorkerControl{
		in:  bufio.NewReader(os.NewFile(uintptr(controlReadFD), "relay-control-in")),
		out: os.NewFile(uintptr(controlWriteFD), "relay-control-out"),
	}
}

// NotifyReady tells the primary this worker is accepting traffic.
func (wc *WorkerControl) NotifyReady(workerID int) error {
	return WriteMessage(wc.out, Message{
		Kind:   "ready",
		Fields: map[string]any{"worker": workerID},
	})
}

// Listen delivers inbound control messages until the primary closes the
// channel. Blocking; run it on its own goroutine.
func (wc *WorkerControl) Listen(fn func(Message)) {
	for {
		m, err := ReadMessage(wc.in)
		if err != nil {
			return
		}
		fn(m)
	}
}
