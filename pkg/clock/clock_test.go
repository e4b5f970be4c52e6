package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func TestFake_AdvanceMovesNow(t *testing.T) {
	c := NewFake(epoch)
	c.Advance(90 * time.Second)
	assert.Equal(t, epoch.Add(90*time.Second), c.Now())
}

func TestFake_TimerFiresOnlyAfterDeadline(t *testing.T) {
	c := NewFake(epoch)
	tm := c.NewTimer(time.Minute)

	c.Advance(59 * time.Second)
	select {
	case <-tm.C():
		t.Fatal("timer fired early")
	default:
	}

	c.Advance(time.Second)
	select {
	case got := <-tm.C():
		assert.Equal(t, epoch.Add(time.Minute), got)
	default:
		t.Fatal("timer did not fire at deadline")
	}
	assert.Equal(t, 0, c.PendingTimers())
}

func TestFake_StopPreventsFire(t *testing.T) {
	c := NewFake(epoch)
	tm := c.NewTimer(time.Second)

	require.True(t, tm.Stop())
	c.Advance(time.Hour)

	select {
	case <-tm.C():
		t.Fatal("stopped timer fired")
	default:
	}
	assert.False(t, tm.Stop(), "second stop reports already stopped")
}

func TestFake_NonPositiveDurationFiresImmediately(t *testing.T) {
	c := NewFake(epoch)
	tm := c.NewTimer(-time.Second)

	select {
	case <-tm.C():
	default:
		t.Fatal("expected immediate fire for past deadline")
	}
}

func TestReal_NowIsUTC(t *testing.T) {
	assert.Equal(t, time.UTC, New().Now().Location())
}

func TestFake_TimerAtAbsoluteDeadline(t *testing.T) {
	c := NewFake(epoch)
	tm := c.NewTimerAt(epoch.Add(10 * time.Second))

	c.Advance(10 * time.Second)
	select {
	case <-tm.C():
	default:
		t.Fatal("timer did not fire at absolute deadline")
	}
}
