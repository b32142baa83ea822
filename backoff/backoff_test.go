package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelay(t *testing.T) {
	b := Default()
	assert.Equal(t, time.Second, b.Delay(-1))
	assert.Equal(t, time.Second, b.Delay(0))
	assert.Equal(t, 15*time.Second, b.Delay(2))
	assert.Equal(t, 60*time.Second, b.Delay(3))
	assert.Equal(t, 60*time.Second, b.Delay(10))
	assert.Equal(t, time.Duration(0), Backoff{}.Delay(3))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		tiers []time.Duration
		ok    bool
	}{
		{"default", Default().Tiers, true},
		{"single", []time.Duration{time.Second}, true},
		{"flat", []time.Duration{time.Second, time.Second}, true},
		{"empty", nil, false},
		{"zero", []time.Duration{0}, false},
		{"decreasing", []time.Duration{5 * time.Second, time.Second}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Backoff{Tiers: tt.tiers}.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
