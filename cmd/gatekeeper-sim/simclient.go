package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"time"
)

type simClient struct {
	addr string
	http *http.Client
}

func newSimClient(addr string) *simClient {
	return &simClient{addr: addr, http: &http.Client{Timeout: 10 * time.Second}}
}

type wireEvent struct {
	U string  `json:"u"`
	V float64 `json:"v"`
	T uint64  `json:"t"`
}

type wireFeedback struct {
	EntityHash      uint64  `json:"entity_hash"`
	WasTruePositive bool    `json:"was_true_positive"`
	Confidence      float64 `json:"confidence"`
	LabelClass      string  `json:"label_class"`
}

func (c *simClient) post(path string, contentType string, payload []byte) (int, []byte, error) {
	resp, err := c.http.Post(c.addr+path, contentType, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	return resp.StatusCode, body, err
}

func (c *simClient) get(path string) (int, []byte, error) {
	resp, err := c.http.Get(c.addr + path)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	return resp.StatusCode, body, err
}

func (c *simClient) ingest(u string, v float64, t uint64) (int, error) {
	blob, err := json.Marshal(wireEvent{U: u, V: v, T: t})
	if err != nil {
		return 0, err
	}
	status, _, err := c.post("/ingest", "application/json", blob)
	return status, err
}

func (c *simClient) feedback(entityHash uint64, truePositive bool, confidence float64, labelClass string) error {
	blob, err := json.Marshal(wireFeedback{
		EntityHash:      entityHash,
		WasTruePositive: truePositive,
		Confidence:      confidence,
		LabelClass:      labelClass,
	})
	if err != nil {
		return err
	}
	status, body, err := c.post("/feedback", "application/json", blob)
	if err != nil {
		return err
	}
	if status >= 300 {
		return fmt.Errorf("feedback rejected: %s: %s", http.StatusText(status), body)
	}
	return nil
}

func (c *simClient) publishSnapshot(blob []byte) error {
	status, body, err := c.post("/policy/snapshot", "application/json", blob)
	if err != nil {
		return err
	}
	if status >= 300 {
		return fmt.Errorf("snapshot rejected: %s: %s", http.StatusText(status), body)
	}
	return nil
}

func (c *simClient) rollback(version string) error {
	blob, _ := json.Marshal(map[string]string{"version": version})
	status, body, err := c.post("/policy/rollback", "application/json", blob)
	if err != nil {
		return err
	}
	if status >= 300 {
		return fmt.Errorf("rollback rejected: %s: %s", http.StatusText(status), body)
	}
	return nil
}

func (c *simClient) exportCheckpoint() ([]byte, error) {
	status, body, err := c.get("/checkpoint/export")
	if err != nil {
		return nil, err
	}
	if status >= 300 {
		return nil, fmt.Errorf("export rejected: %s", http.StatusText(status))
	}
	return body, nil
}

func (c *simClient) importCheckpoint(blob []byte) error {
	status, body, err := c.post("/checkpoint/import", "application/octet-stream", blob)
	if err != nil {
		return err
	}
	if status >= 300 {
		return fmt.Errorf("import rejected: %s: %s", http.StatusText(status), body)
	}
	return nil
}

// rng returns a deterministic generator seeded per-scenario so repeat
// runs against the same engine produce the same synthetic traffic.
func rng(seed int64) *rand.Rand { return rand.New(rand.NewSource(seed)) }

func logf(format string, args ...interface{}) { fmt.Fprintf(os.Stderr, format+"\n", args...) }
