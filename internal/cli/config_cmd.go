package cli

import (
	"encoding/json"
	"os"
	"runtime"

	"interpolapse/internal/config"
	"interpolapse/internal/imaging"
)

// Version is overridden at build time with -ldflags.
var Version = "v0.1.0-dev"

func (r *Root) configShow() error {
	r.printf("Current configuration:\n")
	cfgPath := os.Getenv("INTERPOLAPSE_CONFIG")
	if cfgPath == "" {
		cfgPath = "(default) ~/.config/interpolapse/config.json"
	}
	r.printf("Config file: %s\n\n", cfgPath)
	data, err := json.MarshalIndent(r.cfg, "", "  ")
	if err != nil {
		return err
	}
	r.printf("%s\n", data)
	return nil
}

func (r *Root) configInit(path string, force bool) error {
	if path == "" {
		p, err := config.Path()
		if err != nil {
			return err
		}
		path = p
	}
	if err := config.Write(path, config.Default(), force); err != nil {
		return err
	}
	r.printf("wrote %s\n", path)
	return nil
}

func (r *Root) cmdVersion() error {
	r.printf("interpolapse %s\n", Version)
	r.printf("Built with Go %s\n", runtime.Version())
	r.printf("Imaging backends:\n")
	for _, name := range imaging.Backends() {
		marker := ""
		if name == r.cfg.Imaging.Backend {
			marker = " (selected)"
		}
		r.printf("  %s%s\n", name, marker)
	}
	return nil
}
