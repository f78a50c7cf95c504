// Package schema exports the event contracts as JSON Schema documents.
// Producers in other languages generate their payload validators from this
// output instead of hand-copying field lists.
package schema

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/invopop/jsonschema"

	"majordomo.app/conductor/internal/model"
)

// contracts maps the exported name to a zero value of the wire type.
var contracts = map[string]any{
	"run_request":       model.RunRequest{},
	"handler_event":     model.HandlerEvent{},
	"status_event":      model.StatusEvent{},
	"dead_letter_entry": model.DeadLetterEntry{},
}

// Names lists the exportable contract names in stable order.
func Names() []string {
	names := make([]string, 0, len(contracts))
	for name := range contracts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Generate reflects the named contract into a JSON Schema document.
func Generate(name string) (json.RawMessage, error) {
	v, ok := contracts[name]
	if !ok {
		return nil, fmt.Errorf("unknown contract %q", name)
	}

	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	doc, err := json.MarshalIndent(reflector.Reflect(v), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling schema for %q: %w", name, err)
	}
	return doc, nil
}

// GenerateAll reflects every contract, keyed by name.
func GenerateAll() (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(contracts))
	for _, name := range Names() {
		doc, err := Generate(name)
		if err != nil {
			return nil, err
		}
		out[name] = doc
	}
	return out, nil
}
