package strings

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitList(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		expected []string
	}{
		{name: "empty", raw: "", expected: nil},
		{name: "only separators", raw: " , ,", expected: nil},
		{name: "single", raw: "broker:9092", expected: []string{"broker:9092"}},
		{name: "trims and drops empties", raw: " a:1 ,, b:2 ", expected: []string{"a:1", "b:2"}},
		{name: "dedupes keeping order", raw: "b,a,b,a", expected: []string{"b", "a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SplitList(tt.raw, ","))
		})
	}
}
