package display

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRefreshPeriod(t *testing.T) {
	assert.Equal(t, 10*time.Millisecond, RefreshPeriod(100))
	assert.Equal(t, RefreshPeriod(DefaultRefreshHz), RefreshPeriod(0))
	assert.InDelta(t, 16.666, float64(RefreshPeriod(60))/float64(time.Millisecond), 0.001)
}

func TestSampleValid(t *testing.T) {
	assert.False(t, Unavailable.Valid())
	assert.Equal(t, uint64(0), Unavailable.Count)
	assert.True(t, Sample{Count: 3, Timestamp: 0}.Valid())
}

func TestIDString(t *testing.T) {
	assert.Equal(t, "display 7", ID(7).String())
}
