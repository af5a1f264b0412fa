package messages

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
)

//go:embed defaults.json
var defaultsJSON []byte

type MessageText struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Messages holds user-facing push notification copy
type Messages struct {
	ReauthRequired MessageText `json:"reauth_required"`
}

// Default returns the built-in copy.
func Default() *Messages {
	var m Messages
	if err := json.Unmarshal(defaultsJSON, &m); err != nil {
		panic(fmt.Sprintf("messages: invalid embedded defaults: %v", err))
	}
	return &m
}

// Load reads a messages JSON file over the built-in defaults.
// An empty path returns the defaults; blank fields in the file keep them.
func Load(path string) (*Messages, error) {
	m := Default()
	if path == "" {
		return m, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read messages file: %w", err)
	}

	var override Messages
	if err := json.Unmarshal(data, &override); err != nil {
		return nil, fmt.Errorf("failed to parse messages file: %w", err)
	}

	m.ReauthRequired = merge(m.ReauthRequired, override.ReauthRequired)
	return m, nil
}

func merge(base, override MessageText) MessageText {
	if override.Title != "" {
		base.Title = override.Title
	}
	if override.Body != "" {
		base.Body = override.Body
	}
	return base
}
