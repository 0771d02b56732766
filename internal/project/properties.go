package project

import (
	"fmt"

	"github.com/pulsepoint/pulsetree/pkg/models"
	"gopkg.in/yaml.v3"
)

// decodeProperties reads a $properties object. A plain scalar infers its
// type; an object with Type and Value keys is explicit.
func decodeProperties(node *yaml.Node) (models.Properties, error) {
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("must be an object")
	}

	props := make(models.Properties, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		name, value := node.Content[i].Value, node.Content[i+1]

		var (
			v   models.Variant
			err error
		)
		switch value.Kind {
		case yaml.ScalarNode:
			v, err = inferVariant(value)
		case yaml.MappingNode:
			v, err = explicitVariant(value)
		default:
			err = fmt.Errorf("unsupported value")
		}
		if err != nil {
			return nil, fmt.Errorf("property %q: %w", name, err)
		}
		props[name] = v
	}
	return props, nil
}

func inferVariant(node *yaml.Node) (models.Variant, error) {
	switch node.Tag {
	case "!!bool":
		var b bool
		if err := node.Decode(&b); err != nil {
			return models.Variant{}, err
		}
		return models.BoolValue(b), nil
	case "!!int", "!!float":
		var f float64
		if err := node.Decode(&f); err != nil {
			return models.Variant{}, err
		}
		return models.Float64Value(f), nil
	case "!!str":
		return models.StringValue(node.Value), nil
	default:
		return models.Variant{}, fmt.Errorf("cannot infer type of %s value", node.Tag)
	}
}

func explicitVariant(node *yaml.Node) (models.Variant, error) {
	var raw struct {
		Type  models.VariantType `yaml:"Type"`
		Value yaml.Node          `yaml:"Value"`
	}
	if err := node.Decode(&raw); err != nil {
		return models.Variant{}, err
	}

	switch raw.Type {
	case models.VariantString:
		var s string
		err := raw.Value.Decode(&s)
		return models.StringValue(s), err
	case models.VariantBool:
		var b bool
		err := raw.Value.Decode(&b)
		return models.BoolValue(b), err
	case models.VariantFloat64:
		var f float64
		err := raw.Value.Decode(&f)
		return models.Float64Value(f), err
	case models.VariantInt64:
		var n int64
		err := raw.Value.Decode(&n)
		return models.Variant{Type: models.VariantInt64, Value: n}, err
	case models.VariantBinary:
		var s string
		err := raw.Value.Decode(&s)
		return models.Variant{Type: models.VariantBinary, Value: []byte(s)}, err
	case "":
		return models.Variant{}, fmt.Errorf("missing Type")
	default:
		return models.Variant{}, fmt.Errorf("unknown type %q", raw.Type)
	}
}

// DefaultManifest returns the manifest written by "pulsetree init"
func DefaultManifest(name string) []byte {
	return []byte(fmt.Sprintf(`{
  // Generated by pulsetree init
  "name": %q,
  "tree": {
    "$className": "DataModel",
    "ReplicatedStorage": {
      "$className": "ReplicatedStorage",
      "Shared": {
        "$path": "src/shared"
      }
    },
    "ServerScriptService": {
      "$className": "ServerScriptService",
      "Server": {
        "$path": "src/server"
      }
    },
    "StarterPlayer": {
      "$className": "StarterPlayer",
      "StarterPlayerScripts": {
        "$className": "StarterPlayerScripts",
        "Client": {
          "$path": "src/client"
        }
      }
    }
  }
}
`, name))
}
