package preferences

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseTiming(t *testing.T) {
	assert.Equal(t, 15, ParseTiming("15"))
	assert.Equal(t, 30, ParseTiming(" 30 "))
	assert.Equal(t, 0, ParseTiming("0"))
	assert.Equal(t, DefaultLeadMinutes, ParseTiming(""))
	assert.Equal(t, DefaultLeadMinutes, ParseTiming("soon"))
	assert.Equal(t, DefaultLeadMinutes, ParseTiming("-5"))
}

func TestGate_ReadsSnapshot(t *testing.T) {
	g := NewGate(Preferences{ReminderNotifications: true, MissedDoseAlerts: false, ReminderTiming: 20})

	assert.True(t, g.IsReminderEnabled())
	assert.False(t, g.IsMissedAlertEnabled())
	assert.Equal(t, 20, g.LeadMinutes())

	g.Replace(Preferences{MissedDoseAlerts: true, ReminderTiming: -1})
	assert.False(t, g.IsReminderEnabled())
	assert.True(t, g.IsMissedAlertEnabled())
	assert.Equal(t, DefaultLeadMinutes, g.LeadMinutes())
}

func TestGate_ZeroValueUsesDefaults(t *testing.T) {
	var g Gate
	assert.Equal(t, Defaults(), g.Snapshot())
}

func TestGate_ConcurrentReplace(t *testing.T) {
	g := NewGate(Defaults())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			g.Replace(Preferences{ReminderNotifications: i%2 == 0, ReminderTiming: i})
		}(i)
		go func() {
			defer wg.Done()
			_ = g.LeadMinutes()
		}()
	}
	wg.Wait()

	assert.GreaterOrEqual(t, g.LeadMinutes(), 0)
}

func TestAnyEnabled(t *testing.T) {
	assert.True(t, Defaults().AnyEnabled())
	assert.True(t, Preferences{MissedDoseAlerts: true}.AnyEnabled())
	assert.False(t, Preferences{RefillReminders: true}.AnyEnabled())
}
