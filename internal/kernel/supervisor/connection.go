// Package supervisor launches kernel processes and manages the connection
// files that describe how to reach them.
package supervisor

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/t9md/hydrogen/internal/common/portutil"
)

// ConnectionInfo is the content of a Jupyter connection file.
type ConnectionInfo struct {
	ShellPort       int    `json:"shell_port"`
	IOPubPort       int    `json:"iopub_port"`
	StdinPort       int    `json:"stdin_port"`
	ControlPort     int    `json:"control_port"`
	HBPort          int    `json:"hb_port"`
	IP              string `json:"ip"`
	Key             string `json:"key"`
	Transport       string `json:"transport"`
	SignatureScheme string `json:"signature_scheme"`
	KernelName      string `json:"kernel_name,omitempty"`
}

// NewConnectionInfo allocates five free ports on ip and a fresh key.
func NewConnectionInfo(ip string) (ConnectionInfo, error) {
	ports, err := portutil.AllocatePorts(ip, 5)
	if err != nil {
		return ConnectionInfo{}, err
	}
	return ConnectionInfo{
		ShellPort:       ports[0],
		IOPubPort:       ports[1],
		StdinPort:       ports[2],
		ControlPort:     ports[3],
		HBPort:          ports[4],
		IP:              ip,
		Key:             uuid.New().String(),
		Transport:       "tcp",
		SignatureScheme: "hmac-sha256",
	}, nil
}

// Endpoint returns the socket address for port.
func (c ConnectionInfo) Endpoint(port int) string {
	if c.Transport == "ipc" {
		return fmt.Sprintf("ipc://%s-%d", c.IP, port)
	}
	return fmt.Sprintf("%s://%s:%d", c.Transport, c.IP, port)
}

// Validate checks that every channel port is set.
func (c ConnectionInfo) Validate() error {
	if c.Transport == "" || c.IP == "" {
		return fmt.Errorf("connection info needs transport and ip")
	}
	for name, port := range map[string]int{
		"shell_port": c.ShellPort, "iopub_port": c.IOPubPort,
		"stdin_port": c.StdinPort, "control_port": c.ControlPort,
	} {
		if port <= 0 {
			return fmt.Errorf("connection info missing %s", name)
		}
	}
	return nil
}

// ReadConnectionFile parses a connection file.
func ReadConnectionFile(path string) (ConnectionInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ConnectionInfo{}, err
	}
	var info ConnectionInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return ConnectionInfo{}, fmt.Errorf("parse connection file %s: %w", path, err)
	}
	if info.Transport == "" {
		info.Transport = "tcp"
	}
	return info, info.Validate()
}

// WriteConnectionFile writes info readable only by the current user.
func WriteConnectionFile(path string, info ConnectionInfo) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
