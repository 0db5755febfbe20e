package workflow

import (
	"encoding/json"
	"testing"
)

// TestStepOutput_ToMap tests the StepOutput.ToMap conversion the
// expression layer relies on for guard-condition evaluation.
func TestStepOutput_ToMap(t *testing.T) {
	t.Run("converts text and data fields", func(t *testing.T) {
		output := StepOutput{
			Text: "hello world",
			Data: map[string]interface{}{"status": "success", "count": 42},
		}

		result := output.ToMap()

		if result["text"] != "hello world" {
			t.Errorf("expected text='hello world', got %v", result["text"])
		}
		if result["response"] != "hello world" {
			t.Errorf("expected response='hello world', got %v", result["response"])
		}
		if result["status"] != "success" {
			t.Errorf("expected status='success', got %v", result["status"])
		}
		if result["count"] != 42 {
			t.Errorf("expected count=42, got %v", result["count"])
		}
	})

	t.Run("converts error field", func(t *testing.T) {
		output := StepOutput{
			Error: "execution failed",
		}

		result := output.ToMap()

		if result["error"] != "execution failed" {
			t.Errorf("expected error='execution failed', got %v", result["error"])
		}
	})

	t.Run("handles non-map data", func(t *testing.T) {
		output := StepOutput{
			Text: "result",
			Data: []string{"item1", "item2"},
		}

		result := output.ToMap()

		if result["text"] != "result" {
			t.Errorf("expected text='result', got %v", result["text"])
		}
		dataSlice, ok := result["data"].([]string)
		if !ok {
			t.Fatalf("expected data to be []string, got %T", result["data"])
		}
		if len(dataSlice) != 2 {
			t.Errorf("expected data slice length 2, got %d", len(dataSlice))
		}
	})

	t.Run("handles empty output", func(t *testing.T) {
		result := StepOutput{}.ToMap()

		if result == nil {
			t.Error("expected non-nil map")
		}
		if len(result) != 0 {
			t.Errorf("expected empty map, got %d keys", len(result))
		}
	})

	t.Run("preserves types through conversion", func(t *testing.T) {
		output := StepOutput{
			Text: "test",
			Data: map[string]interface{}{
				"string": "value",
				"int":    123,
				"bool":   true,
				"float":  45.67,
			},
		}

		result := output.ToMap()

		if result["string"] != "value" {
			t.Errorf("expected string='value', got %v", result["string"])
		}
		if result["int"] != 123 {
			t.Errorf("expected int=123, got %v", result["int"])
		}
		if result["bool"] != true {
			t.Errorf("expected bool=true, got %v", result["bool"])
		}
		if result["float"] != 45.67 {
			t.Errorf("expected float=45.67, got %v", result["float"])
		}
	})
}

// TestStepOutput_JSON covers the shape persisted in the stores' result
// columns: empty fields must be omitted, populated ones must round-trip.
func TestStepOutput_JSON(t *testing.T) {
	out := StepOutput{Text: "analyzed 3 files", Data: map[string]interface{}{"findings": float64(3)}}

	encoded, err := json.Marshal(out)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(encoded) == "{}" {
		t.Fatal("expected populated fields in JSON output")
	}

	var decoded StepOutput
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Text != out.Text {
		t.Errorf("Text = %q, want %q", decoded.Text, out.Text)
	}
	data, ok := decoded.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("Data = %T, want map", decoded.Data)
	}
	if data["findings"] != float64(3) {
		t.Errorf("Data[findings] = %v, want 3", data["findings"])
	}

	empty, err := json.Marshal(StepOutput{})
	if err != nil {
		t.Fatalf("Marshal(empty): %v", err)
	}
	if string(empty) != "{}" {
		t.Errorf("empty StepOutput serialized as %s, want {}", empty)
	}
}
