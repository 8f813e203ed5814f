package ctl

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
)

func doGet(path string) ([]byte, error) {
	resp, err := client.Get(apiAddr + path)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("GET %s: read response: %w", path, err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("GET %s: %s: %s", path, resp.Status, body)
	}
	return body, nil
}

func doPost(path, contentType string, payload []byte) ([]byte, error) {
	resp, err := client.Post(apiAddr+path, contentType, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("POST %s: read response: %w", path, err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("POST %s: %s: %s", path, resp.Status, body)
	}
	return body, nil
}
