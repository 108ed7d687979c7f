package engine

// InitRequest is handed to the sandbox-init helper on fd 3.
type InitRequest struct {
	RootFS string   `json:"rootfs"`
	Argv   []string `json:"argv"`
	Dir    string   `json:"dir"`
	// User is looked up in the sandbox's /etc/passwd; empty means root.
	User           string   `json:"user"`
	Env            []string `json:"env"`
	SeccompProfile string   `json:"seccompProfile,omitempty"`
	EnableNs       bool     `json:"enableNs"`
}

// InitRequestFD is the descriptor the helper reads its request from.
const InitRequestFD = 3
