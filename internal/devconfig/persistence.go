package devconfig

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/lowaak/smart-trainer/ride-app/internal/device"
)

type document struct {
	Devices      []DeviceEntry             `json:"devices"`
	Capabilities []CapabilityEntry         `json:"capabilities"`
	Interfaces   []device.InterfaceSetting `json:"interfaces"`
}

func (d document) clone() document {
	out := document{
		Devices:      append([]DeviceEntry(nil), d.Devices...),
		Capabilities: make([]CapabilityEntry, 0, len(d.Capabilities)),
		Interfaces:   append([]device.InterfaceSetting(nil), d.Interfaces...),
	}
	for _, c := range d.Capabilities {
		c.Devices = append([]string{}, c.Devices...)
		out.Capabilities = append(out.Capabilities, c)
	}
	return out
}

// DefaultPath returns ~/.smart-trainer/devices.json
func DefaultPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	return filepath.Join(homeDir, ".smart-trainer", "devices.json")
}

type persistence struct {
	filePath string
	logger   *log.Logger
}

func newPersistence(logger *log.Logger, filePath string) *persistence {
	return &persistence{filePath: filePath, logger: logger}
}

func (p *persistence) load() document {
	var doc document
	if p.filePath == "" {
		return doc
	}
	raw, err := os.ReadFile(p.filePath)
	if err != nil {
		p.logger.Printf("%s: load %s (no existing file)", component, p.filePath)
		return doc
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		p.logger.Printf("%s: load %s failed to parse: %v", component, p.filePath, err)
		return document{}
	}
	p.logger.Printf("%s: load %s -> devices=%d", component, p.filePath, len(doc.Devices))
	return doc
}

func (p *persistence) save(doc document) error {
	if p.filePath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(p.filePath), 0755); err != nil {
		p.logger.Printf("%s: save mkdir failed: %v", component, err)
		return fmt.Errorf("save: %w", err)
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		p.logger.Printf("%s: save marshal failed: %v", component, err)
		return fmt.Errorf("save: %w", err)
	}
	if err := os.WriteFile(p.filePath, raw, 0644); err != nil {
		p.logger.Printf("%s: save %s failed: %v", component, p.filePath, err)
		return fmt.Errorf("save: %w", err)
	}
	return nil
}
