// Package users resolves recipients and their channel preferences from the
// external user service.
package users

// Channels a user can opt out of.
const (
	ChannelEmail = "email"
	ChannelPush  = "push"
	ChannelSMS   = "sms"
)

// Device is a registered push target.
type Device struct {
	ID       string `json:"id,omitempty"`
	Token    string `json:"token,omitempty"`
	Platform string `json:"platform,omitempty"`
}

// RawPreferences is the preference object as the user service returns it.
// Both the current and the legacy field names may be present.
type RawPreferences struct {
	Email *bool `json:"email,omitempty"`
	Push  *bool `json:"push,omitempty"`
	SMS   *bool `json:"sms,omitempty"`

	EmailNotifications *bool `json:"emailNotifications,omitempty"`
	PushNotifications  *bool `json:"pushNotifications,omitempty"`
}

// User is a notification recipient.
type User struct {
	ID          string          `json:"id"`
	Email       string          `json:"email"`
	Name        string          `json:"name,omitempty"`
	Role        string          `json:"role,omitempty"`
	Preferences *RawPreferences `json:"preferences,omitempty"`
	PushToken   string          `json:"pushToken,omitempty"`
	Devices     []Device        `json:"devices,omitempty"`
}

// Preferences is the normalized opt-in state per channel.
type Preferences struct {
	Email bool
	Push  bool
	SMS   bool
}

// Allows reports whether the user accepts notifications on channel.
// Unknown channels are allowed.
func (p Preferences) Allows(channel string) bool {
	switch channel {
	case ChannelEmail:
		return p.Email
	case ChannelPush:
		return p.Push
	case ChannelSMS:
		return p.SMS
	default:
		return true
	}
}

// ResolvePreferences normalizes raw preferences. An explicit false under
// either the current or the legacy name opts the user out; missing flags
// mean opted in.
func ResolvePreferences(raw *RawPreferences) Preferences {
	if raw == nil {
		return Preferences{Email: true, Push: true, SMS: true}
	}
	return Preferences{
		Email: !isFalse(raw.Email) && !isFalse(raw.EmailNotifications),
		Push:  !isFalse(raw.Push) && !isFalse(raw.PushNotifications),
		SMS:   !isFalse(raw.SMS),
	}
}

func isFalse(b *bool) bool {
	return b != nil && !*b
}

// Prefs returns the user's normalized preferences.
func (u *User) Prefs() Preferences {
	return ResolvePreferences(u.Preferences)
}

// ContactPushToken returns the legacy single token when set, otherwise the
// first device token.
func (u *User) ContactPushToken() string {
	if u.PushToken != "" {
		return u.PushToken
	}
	for _, d := range u.Devices {
		if d.Token != "" {
			return d.Token
		}
	}
	return ""
}
