package testutils

import (
	"bufio"
	"bytes"
	"encoding/json"
	"sync"
)

// SafeWriteBuffer collects log output from several goroutines.
type SafeWriteBuffer struct {
	bufferLock sync.Mutex
	buffer     bytes.Buffer
}

func (swb *SafeWriteBuffer) Write(p []byte) (n int, err error) {
	swb.bufferLock.Lock()
	defer swb.bufferLock.Unlock()
	return swb.buffer.Write(p)
}

func (swb *SafeWriteBuffer) Bytes() []byte {
	swb.bufferLock.Lock()
	defer swb.bufferLock.Unlock()
	return append([]byte{}, swb.buffer.Bytes()...)
}

func (swb *SafeWriteBuffer) Len() int {
	swb.bufferLock.Lock()
	defer swb.bufferLock.Unlock()
	return swb.buffer.Len()
}

// Entries decodes each JSON log line written so far. Lines that are not
// JSON are skipped.
func (swb *SafeWriteBuffer) Entries() []map[string]any {
	entries := make([]map[string]any, 0)
	scanner := bufio.NewScanner(bytes.NewReader(swb.Bytes()))
	for scanner.Scan() {
		e := make(map[string]any)
		if json.Unmarshal(scanner.Bytes(), &e) == nil {
			entries = append(entries, e)
		}
	}
	return entries
}

// Messages returns the message of every decoded log line.
func (swb *SafeWriteBuffer) Messages() []string {
	msgs := make([]string, 0)
	for _, e := range swb.Entries() {
		if m, ok := e["message"].(string); ok {
			msgs = append(msgs, m)
		}
	}
	return msgs
}
