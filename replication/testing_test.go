package replication

import (
	"bytes"
	"fmt"
	"net"
	"sync"
	"testing"

	"github.com/raniellyferreira/redis-lite/protocol"
)

// testLogger is a minimal logger for testing that keeps error messages
type testLogger struct {
	t *testing.T

	mu     sync.Mutex
	errors []string
}

func (l *testLogger) Debug(msg string, fields ...interface{}) {
	l.t.Logf("DEBUG: %s %v", msg, fields)
}

func (l *testLogger) Info(msg string, fields ...interface{}) {
	l.t.Logf("INFO: %s %v", msg, fields)
}

func (l *testLogger) Error(msg string, fields ...interface{}) {
	l.t.Logf("ERROR: %s %v", msg, fields)
	l.mu.Lock()
	l.errors = append(l.errors, fmt.Sprint(append([]interface{}{msg}, fields...)...))
	l.mu.Unlock()
}

func (l *testLogger) errorCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.errors)
}

// fakePrimary accepts one connection and answers each command with the next
// scripted reply. A reply function may write anything, including nothing.
type fakePrimary struct {
	ln       net.Listener
	mu       sync.Mutex
	received []string
	done     chan struct{}
}

type replyFunc func(w *protocol.Writer) error

func simple(s string) replyFunc {
	return func(w *protocol.Writer) error { return w.WriteSimpleString(s) }
}

func fullResync(id string, snapshot []byte) replyFunc {
	return func(w *protocol.Writer) error {
		if err := w.WriteSimpleString("FULLRESYNC " + id + " 0"); err != nil {
			return err
		}
		return w.WriteSnapshot(snapshot)
	}
}

func silent() replyFunc {
	return func(*protocol.Writer) error { return nil }
}

func startFakePrimary(t *testing.T, replies ...replyFunc) *fakePrimary {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	fp := &fakePrimary{ln: ln, done: make(chan struct{})}
	t.Cleanup(func() {
		ln.Close()
		<-fp.done
	})

	go func() {
		defer close(fp.done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		r := protocol.NewReader(conn)
		w := protocol.NewWriter(conn)
		for _, reply := range replies {
			v, err := r.ReadNext()
			if err != nil {
				return
			}
			cmd, err := protocol.ParseCommand(v)
			if err != nil {
				return
			}
			fp.mu.Lock()
			fp.received = append(fp.received, cmd.String())
			fp.mu.Unlock()

			if err := reply(w); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				return
			}
		}
		// Hold the connection until the client hangs up
		r.ReadNext()
	}()

	return fp
}

func (fp *fakePrimary) addr() string {
	return fp.ln.Addr().String()
}

func (fp *fakePrimary) commands() []string {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return append([]string(nil), fp.received...)
}

// rdbBuilder assembles small RDB payloads for tests
type rdbBuilder struct {
	b []byte
}

func newRDB() *rdbBuilder {
	return &rdbBuilder{b: []byte("REDIS0011")}
}

func (r *rdbBuilder) raw(b ...byte) *rdbBuilder {
	r.b = append(r.b, b...)
	return r
}

func (r *rdbBuilder) str(s string) *rdbBuilder {
	if len(s) >= 64 {
		panic("rdbBuilder: string too long: " + s)
	}
	r.b = append(r.b, byte(len(s)))
	r.b = append(r.b, s...)
	return r
}

func (r *rdbBuilder) aux(k, v string) *rdbBuilder {
	return r.raw(RDBOpcodeAux).str(k).str(v)
}

func (r *rdbBuilder) key(k, v string) *rdbBuilder {
	return r.raw(RDBTypeString).str(k).str(v)
}

func (r *rdbBuilder) expiryMs(ms uint64) *rdbBuilder {
	r.b = append(r.b, RDBOpcodeExpiryMs)
	for i := 0; i < 8; i++ {
		r.b = append(r.b, byte(ms>>(8*i)))
	}
	return r
}

func (r *rdbBuilder) end() []byte {
	r.b = append(r.b, RDBOpcodeEOF)
	r.b = append(r.b, make([]byte, 8)...)
	return r.b
}

func bytesReader(b []byte) *bytes.Reader {
	return bytes.NewReader(b)
}
