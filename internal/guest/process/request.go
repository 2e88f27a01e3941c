package process

import (
	"encoding/json"
	"fmt"
	"io"
)

// HelperSetupFailed is the exit status nanobox-init uses when it could not
// prepare the sandbox, so setup errors are not mistaken for guest exits.
const HelperSetupFailed = 125

// InitRequest is what the runtime sends to nanobox-init on stdin.
type InitRequest struct {
	Argv        []string `json:"argv"`
	Dir         string   `json:"dir"`
	Env         []string `json:"env"`
	RootFS      string   `json:"rootfs,omitempty"`
	Mounts      []Mount  `json:"mounts,omitempty"`
	Rlimits     Rlimits  `json:"rlimits"`
	Namespaces  bool     `json:"namespaces"`
	Seccomp     bool     `json:"seccomp"`
	DenyNetwork bool     `json:"deny_network"`
}

// Mount binds Source at the same path inside RootFS.
type Mount struct {
	Source   string `json:"source"`
	ReadOnly bool   `json:"read_only"`
}

// Rlimits are applied by the helper right before exec. Zero leaves a
// limit untouched.
type Rlimits struct {
	CPUSeconds   uint64 `json:"cpu_seconds"`
	AddressSpace uint64 `json:"address_space"`
	FileSize     uint64 `json:"file_size"`
}

// DecodeRequest reads one request from r.
func DecodeRequest(r io.Reader) (InitRequest, error) {
	var req InitRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return InitRequest{}, fmt.Errorf("decode request: %w", err)
	}
	if len(req.Argv) == 0 {
		return InitRequest{}, fmt.Errorf("argv is required")
	}
	if req.Dir == "" {
		return InitRequest{}, fmt.Errorf("dir is required")
	}
	return req, nil
}

// jsonToPipe streams req into a pipe for the helper's stdin.
func jsonToPipe(req InitRequest) io.ReadCloser {
	reader, writer := io.Pipe()
	go func() {
		err := json.NewEncoder(writer).Encode(req)
		_ = writer.CloseWithError(err)
	}()
	return reader
}
