package users

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func boolPtr(b bool) *bool { return &b }

func TestResolvePreferences(t *testing.T) {
	tests := []struct {
		name string
		raw  *RawPreferences
		want Preferences
	}{
		{"nil means opted in", nil, Preferences{Email: true, Push: true, SMS: true}},
		{"empty means opted in", &RawPreferences{}, Preferences{Email: true, Push: true, SMS: true}},
		{"current email false", &RawPreferences{Email: boolPtr(false)}, Preferences{Email: false, Push: true, SMS: true}},
		{"legacy email false", &RawPreferences{EmailNotifications: boolPtr(false)}, Preferences{Email: false, Push: true, SMS: true}},
		{"legacy push false", &RawPreferences{PushNotifications: boolPtr(false)}, Preferences{Email: true, Push: false, SMS: true}},
		{"either false opts out", &RawPreferences{Push: boolPtr(true), PushNotifications: boolPtr(false)}, Preferences{Email: true, Push: false, SMS: true}},
		{"current false beats legacy true", &RawPreferences{Email: boolPtr(false), EmailNotifications: boolPtr(true)}, Preferences{Email: false, Push: true, SMS: true}},
		{"explicit true", &RawPreferences{Email: boolPtr(true), EmailNotifications: boolPtr(true)}, Preferences{Email: true, Push: true, SMS: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ResolvePreferences(tt.raw))
		})
	}
}

func TestPreferences_Allows(t *testing.T) {
	p := Preferences{Email: false, Push: true}
	assert.False(t, p.Allows(ChannelEmail))
	assert.True(t, p.Allows(ChannelPush))
	assert.True(t, p.Allows("webhook"))
}

func TestContactPushToken(t *testing.T) {
	assert.Equal(t, "legacy", (&User{PushToken: "legacy", Devices: []Device{{Token: "dev"}}}).ContactPushToken())
	assert.Equal(t, "dev-2", (&User{Devices: []Device{{ID: "d1"}, {Token: "dev-2"}}}).ContactPushToken())
	assert.Equal(t, "", (&User{}).ContactPushToken())
}
