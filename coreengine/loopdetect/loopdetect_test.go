package loopdetect

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetect(t *testing.T) {
	tests := []struct {
		name      string
		history   []string
		candidate string
		want      bool
	}{
		{
			name:      "two identical click_visual then a third",
			history:   []string{"click_visual", "click_visual"},
			candidate: "click_visual",
			want:      true,
		},
		{
			name:      "interrupted by type",
			history:   []string{"click_visual", "type"},
			candidate: "click_visual",
			want:      false,
		},
		{
			name:      "click_visual with different targets still loops",
			history:   []string{`click_visual {"target":"OK"}`, `click_visual {"target":"Cancel"}`},
			candidate: `click_visual {"target":"OK"}`,
			want:      true,
		},
		{
			name:      "only one prior entry",
			history:   []string{"click_visual"},
			candidate: "click_visual",
			want:      false,
		},
		{
			name:      "empty history",
			history:   nil,
			candidate: "done",
			want:      false,
		},
		{
			name:      "same chord",
			history:   []string{`key {"keys":"cmd+c"}`, "key:CMD+C"},
			candidate: `key {"keys":"cmd+c"}`,
			want:      true,
		},
		{
			name:      "different chords",
			history:   []string{`key {"keys":"cmd+c"}`, `key {"keys":"cmd+v"}`},
			candidate: `key {"keys":"cmd+c"}`,
			want:      false,
		},
		{
			name:      "clicks at different points",
			history:   []string{`click {"button":"left","x":1,"y":2}`, `click {"button":"left","x":1,"y":2}`},
			candidate: `click {"button":"left","x":9,"y":9}`,
			want:      false,
		},
		{
			name:      "clicks at the same point",
			history:   []string{"scroll", `click {"button":"left","x":1,"y":2}`, `click {"button":"left","x":1,"y":2}`},
			candidate: `click {"button":"left","x":1,"y":2}`,
			want:      true,
		},
		{
			name:      "only the last two entries matter",
			history:   []string{"type", "type", "click_visual"},
			candidate: "type",
			want:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Detect(tt.history, tt.candidate))
		})
	}
}

func TestReduce(t *testing.T) {
	assert.Equal(t, "key:enter", Reduce(`key {"keys":"Enter"}`))
	assert.Equal(t, "key:tab", Reduce("key:tab"))
	assert.Equal(t, "type", Reduce(`type {"text":"hello"}`))
	assert.Equal(t, "click_visual", Reduce("click_visual"))
	assert.Equal(t, "done", Reduce("  done  "))

	long := "shell " + strings.Repeat("x", 100)
	assert.Len(t, []rune(Reduce(long)), PrefixLen)
}

func TestDetect_DoesNotMutateHistory(t *testing.T) {
	history := []string{"click_visual", "click_visual"}
	Detect(history, "click_visual")
	assert.Equal(t, []string{"click_visual", "click_visual"}, history)
}
