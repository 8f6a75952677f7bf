package throttle

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evidenced/internal/detect"
)

var melee = &detect.Trigger{Kind: detect.KindMelee, Confidence: 0.9}

func TestAdmit_NilTrigger(t *testing.T) {
	th := New(30 * time.Second)
	assert.False(t, th.Admit(nil, time.Now()))
	_, admitted := th.LastEvent()
	assert.False(t, admitted)
	assert.Zero(t, th.Suppressed())
}

func TestAdmit_Cooldown(t *testing.T) {
	t0 := time.Unix(1700000000, 0)
	th := New(30 * time.Second)

	require.True(t, th.Admit(melee, t0))
	assert.False(t, th.Admit(melee, t0.Add(10*time.Second)))
	// Exactly at the boundary is still inside the window.
	assert.False(t, th.Admit(melee, t0.Add(30*time.Second)))
	assert.True(t, th.Admit(melee, t0.Add(30*time.Second+time.Nanosecond)))
	assert.Equal(t, uint64(2), th.Suppressed())

	last, ok := th.LastEvent()
	require.True(t, ok)
	assert.Equal(t, t0.Add(30*time.Second+time.Nanosecond), last)
}

func TestAdmit_DistinctKindsShareWindow(t *testing.T) {
	t0 := time.Unix(1700000000, 0)
	th := New(30 * time.Second)

	require.True(t, th.Admit(&detect.Trigger{Kind: detect.KindSuspiciousPose, Confidence: 0.6}, t0))
	assert.False(t, th.Admit(&detect.Trigger{Kind: detect.KindMobFormation, Confidence: 0.99}, t0))
}

func TestAdmit_NeverTwiceWithinCooldown(t *testing.T) {
	const cooldown = 5 * time.Second
	rng := rand.New(rand.NewSource(42))
	th := New(cooldown)

	now := time.Unix(1700000000, 0)
	var admitted []time.Time
	for i := 0; i < 2000; i++ {
		now = now.Add(time.Duration(rng.Int63n(int64(2 * time.Second))))
		var trig *detect.Trigger
		if rng.Intn(3) > 0 {
			trig = melee
		}
		if th.Admit(trig, now) {
			admitted = append(admitted, now)
		}
	}

	require.NotEmpty(t, admitted)
	for i := 1; i < len(admitted); i++ {
		assert.Greater(t, admitted[i].Sub(admitted[i-1]), cooldown)
	}
}

func TestAdmit_ConcurrentSameInstant(t *testing.T) {
	th := New(time.Minute)
	now := time.Now()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if th.Admit(melee, now) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestSetCooldown(t *testing.T) {
	t0 := time.Unix(1700000000, 0)
	th := New(30 * time.Second)
	require.True(t, th.Admit(melee, t0))

	th.SetCooldown(5 * time.Second)
	assert.Equal(t, 5*time.Second, th.Cooldown())
	assert.True(t, th.Admit(melee, t0.Add(6*time.Second)))

	th.SetCooldown(-time.Second)
	assert.Equal(t, time.Duration(0), th.Cooldown())
}
