package s2s

import (
	"errors"
	"fmt"
	"slices"
)

// ValidateConfig checks cfg against caps and returns an error wrapping
// [ErrUnsupportedConfig] that lists every problem found. cfg should already
// have had [SessionConfig.WithDefaults] applied.
func ValidateConfig(cfg SessionConfig, caps Capabilities) error {
	var errs []error

	if cfg.Voice != "" && len(caps.Voices) > 0 && !slices.Contains(caps.Voices, cfg.Voice) {
		errs = append(errs, fmt.Errorf("voice %q is not offered", cfg.Voice))
	}
	if cfg.InputSampleRate <= 0 {
		errs = append(errs, fmt.Errorf("input sample rate %d is invalid", cfg.InputSampleRate))
	}
	if cfg.OutputSampleRate <= 0 {
		errs = append(errs, fmt.Errorf("output sample rate %d is invalid", cfg.OutputSampleRate))
	}

	seen := make(map[string]int, len(cfg.Tools))
	for i, t := range cfg.Tools {
		prefix := fmt.Sprintf("tools[%d]", i)
		if t.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := seen[t.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of tools[%d]", prefix, t.Name, prev))
		}
		seen[t.Name] = i
		if t.Parameters != nil {
			if typ, _ := t.Parameters["type"].(string); typ != "object" {
				errs = append(errs, fmt.Errorf("%s.parameters must be a JSON Schema object", prefix))
			}
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrUnsupportedConfig, errors.Join(errs...))
}
