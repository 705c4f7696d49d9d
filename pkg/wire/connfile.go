package wire

import (
	"encoding/json"
	"fmt"
	"os"
)

// ConnectionFile mirrors the JSON connection file a Jupyter kernel writes on
// startup: the ports and HMAC key a client needs to attach to it. Its
// presence and parseability is what zombie reconciliation (C2) uses to
// decide whether a persisted session record still points at a live,
// reattachable kernel.
type ConnectionFile struct {
	ShellPort       int    `json:"shell_port"`
	IOPubPort       int    `json:"iopub_port"`
	StdinPort       int    `json:"stdin_port"`
	ControlPort     int    `json:"control_port"`
	HBPort          int    `json:"hb_port"`
	IP              string `json:"ip"`
	Key             string `json:"key"`
	Transport       string `json:"transport"`
	SignatureScheme string `json:"signature_scheme"`
	KernelName      string `json:"kernel_name"`
}

// ReadConnectionFile parses a kernel connection file from disk, returning an
// error if it is missing or malformed — both of which mark a persisted
// session record as a zombie.
func ReadConnectionFile(path string) (*ConnectionFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read connection file %s: %w", path, err)
	}
	var cf ConnectionFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("parse connection file %s: %w", path, err)
	}
	if cf.ShellPort == 0 || cf.IOPubPort == 0 {
		return nil, fmt.Errorf("connection file %s missing required ports", path)
	}
	return &cf, nil
}

// Valid reports whether a connection file at path exists and parses.
func Valid(path string) bool {
	_, err := ReadConnectionFile(path)
	return err == nil
}
