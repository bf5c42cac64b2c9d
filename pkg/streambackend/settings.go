// Package streambackend selects and wires the Watermill transport that carries
// client-bound stream traffic: an in-process Go channel pub/sub by default, or
// Redis Streams with consumer groups when enabled.
package streambackend

// Settings holds Redis Streams transport configuration.
type Settings struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Group    string `yaml:"group"`
	Consumer string `yaml:"consumer"`
}

// DefaultSettings returns the in-memory transport defaults.
func DefaultSettings() Settings {
	return Settings{
		Enabled:  false,
		Addr:     "localhost:6379",
		Group:    "chat-ui",
		Consumer: "ui-1",
	}
}
