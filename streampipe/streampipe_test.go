package streampipe

import (
	"bytes"
	"context"
	"io"
	"testing"
)

type recordingSender struct {
	chunks [][]byte
	eofSet bool
}

func (s *recordingSender) SendStreamData(id int64, data []byte, eof bool) error {
	if eof {
		s.eofSet = true
		return nil
	}
	s.chunks = append(s.chunks, data)
	return nil
}

func TestPumpSendsChunksThenEOF(t *testing.T) {
	src := bytes.NewReader([]byte("hello world"))
	sender := &recordingSender{}
	requests := make(chan int, 3)
	requests <- 5
	requests <- 6
	requests <- 4
	close(requests)

	err := Pump(context.Background(), 1, src, sender, requests)
	if err != nil {
		t.Fatalf("Pump: %v", err)
	}

	var got bytes.Buffer
	for _, c := range sender.chunks {
		got.Write(c)
	}
	if got.String() != "hello world" {
		t.Fatalf("got %q, want %q", got.String(), "hello world")
	}
	if !sender.eofSet {
		t.Fatal("expected an EOF frame after the last chunk")
	}
}

func TestRemoteReaderDeliversInOrder(t *testing.T) {
	r := NewRemoteReader(1)
	go func() {
		r.Deliver([]byte("ab"), false)
		r.Deliver([]byte("cd"), false)
		r.Deliver(nil, true)
	}()

	all, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(all) != "abcd" {
		t.Fatalf("got %q, want %q", all, "abcd")
	}
}

func TestRemoteReaderPropagatesFailure(t *testing.T) {
	r := NewRemoteReader(1)
	wantErr := io.ErrUnexpectedEOF
	r.Fail(wantErr)

	_, err := r.Read(make([]byte, 4))
	if err != wantErr {
		t.Fatalf("got %v, want %v", err, wantErr)
	}
}
