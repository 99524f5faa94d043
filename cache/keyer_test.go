package cache

import (
	"strings"
	"testing"
)

func TestKeyer_DeterministicForMaps(t *testing.T) {
	keyer := NewDefaultKeyer()

	a, err := keyer.Key("catalog", map[string]any{"b": 2, "a": 1, "nested": map[string]any{"y": 1, "x": 2}})
	if err != nil {
		t.Fatalf("Key() error = %v", err)
	}
	b, err := keyer.Key("catalog", map[string]any{"nested": map[string]any{"x": 2, "y": 1}, "a": 1, "b": 2})
	if err != nil {
		t.Fatalf("Key() error = %v", err)
	}
	if a != b {
		t.Errorf("keys differ for equal content: %s vs %s", a, b)
	}
}

func TestKeyer_Format(t *testing.T) {
	key, err := NewDefaultKeyer().Key("catalog", map[string]string{"app": "gmail"})
	if err != nil {
		t.Fatalf("Key() error = %v", err)
	}
	if !strings.HasPrefix(key, "catalog:") {
		t.Errorf("Key() = %s, want catalog: prefix", key)
	}
	if len(key) != len("catalog:")+16 {
		t.Errorf("Key() = %s, want 16 hex characters after the namespace", key)
	}
	if err := ValidateKey(key); err != nil {
		t.Errorf("generated key is invalid: %v", err)
	}
}

func TestKeyer_DistinguishesInputs(t *testing.T) {
	keyer := NewDefaultKeyer()

	tests := []struct {
		name string
		a, b any
		nsA  string
		nsB  string
	}{
		{"array order", map[string]any{"items": []any{1, 2}}, map[string]any{"items": []any{2, 1}}, "n", "n"},
		{"namespace", nil, nil, "catalog", "other"},
		{"value", map[string]string{"app": "gmail"}, map[string]string{"app": "slack"}, "n", "n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ka, _ := keyer.Key(tt.nsA, tt.a)
			kb, _ := keyer.Key(tt.nsB, tt.b)
			if ka == kb {
				t.Errorf("keys should differ: %s", ka)
			}
		})
	}
}

func TestKeyer_UnsupportedValue(t *testing.T) {
	if _, err := NewDefaultKeyer().Key("n", map[string]any{"ch": make(chan int)}); err == nil {
		t.Error("Key() should fail for values JSON cannot encode")
	}
}
