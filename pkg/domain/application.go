package domain

import "fmt"

// Application identifies the client platform an experiment targets.
type Application string

// Supported client applications.
const (
	ApplicationDesktop      Application = "firefox-desktop"
	ApplicationFenix        Application = "fenix"
	ApplicationIOS          Application = "ios"
	ApplicationFocusAndroid Application = "focus-android"
	ApplicationFocusIOS     Application = "focus-ios"
	ApplicationKlarAndroid  Application = "klar-android"
	ApplicationKlarIOS      Application = "klar-ios"
)

// Channel is the release channel an experiment targets. The zero value means no channel.
type Channel string

// Release channels.
const (
	ChannelNone      Channel = ""
	ChannelNightly   Channel = "nightly"
	ChannelBeta      Channel = "beta"
	ChannelRelease   Channel = "release"
	ChannelESR       Channel = "esr"
	ChannelDeveloper Channel = "developer"
	ChannelAurora    Channel = "aurora"
)

// RandomizationUnit is the client-stable identifier the enrollment hash is computed over.
type RandomizationUnit string

// Randomization units.
const (
	RandomizationNormandyID RandomizationUnit = "normandy_id"
	RandomizationNimbusID   RandomizationUnit = "nimbus_id"
)

// ApplicationConfig holds the static per-application settings.
type ApplicationConfig struct {
	Application       Application
	Name              string
	AppName           string
	AppID             string
	RandomizationUnit RandomizationUnit
	// VersionAttribute is the client context attribute compared against version bounds.
	VersionAttribute string
	// DesktopChannels reports whether the channel is expressed in targeting rather than by app id.
	DesktopChannels bool
	Channels        []Channel
}

var mobileChannels = []Channel{ChannelNone, ChannelDeveloper, ChannelNightly, ChannelBeta, ChannelRelease}

var applicationConfigs = map[Application]ApplicationConfig{
	ApplicationDesktop: {
		Application:       ApplicationDesktop,
		Name:              "Firefox Desktop",
		AppName:           "firefox_desktop",
		AppID:             "firefox-desktop",
		RandomizationUnit: RandomizationNormandyID,
		VersionAttribute:  "version",
		DesktopChannels:   true,
		Channels:          []Channel{ChannelNone, ChannelNightly, ChannelBeta, ChannelRelease, ChannelESR, ChannelAurora},
	},
	ApplicationFenix: {
		Application:       ApplicationFenix,
		Name:              "Firefox for Android (Fenix)",
		AppName:           "fenix",
		AppID:             "org.mozilla.firefox",
		RandomizationUnit: RandomizationNimbusID,
		VersionAttribute:  "app_version",
		Channels:          mobileChannels,
	},
	ApplicationIOS: {
		Application:       ApplicationIOS,
		Name:              "Firefox for iOS",
		AppName:           "firefox_ios",
		AppID:             "org.mozilla.ios.Firefox",
		RandomizationUnit: RandomizationNimbusID,
		VersionAttribute:  "app_version",
		Channels:          mobileChannels,
	},
	ApplicationFocusAndroid: {
		Application:       ApplicationFocusAndroid,
		Name:              "Focus for Android",
		AppName:           "focus_android",
		AppID:             "org.mozilla.focus",
		RandomizationUnit: RandomizationNimbusID,
		VersionAttribute:  "app_version",
		Channels:          mobileChannels,
	},
	ApplicationFocusIOS: {
		Application:       ApplicationFocusIOS,
		Name:              "Focus for iOS",
		AppName:           "focus_ios",
		AppID:             "org.mozilla.ios.Focus",
		RandomizationUnit: RandomizationNimbusID,
		VersionAttribute:  "app_version",
		Channels:          mobileChannels,
	},
	ApplicationKlarAndroid: {
		Application:       ApplicationKlarAndroid,
		Name:              "Klar for Android",
		AppName:           "klar_android",
		AppID:             "org.mozilla.klar",
		RandomizationUnit: RandomizationNimbusID,
		VersionAttribute:  "app_version",
		Channels:          mobileChannels,
	},
	ApplicationKlarIOS: {
		Application:       ApplicationKlarIOS,
		Name:              "Klar for iOS",
		AppName:           "klar_ios",
		AppID:             "org.mozilla.ios.Klar",
		RandomizationUnit: RandomizationNimbusID,
		VersionAttribute:  "app_version",
		Channels:          mobileChannels,
	},
}

// LookupApplication returns the static configuration for an application.
func LookupApplication(app Application) (ApplicationConfig, bool) {
	cfg, ok := applicationConfigs[app]
	if !ok {
		return ApplicationConfig{}, false
	}
	cfg.Channels = append([]Channel(nil), cfg.Channels...)
	return cfg, true
}

// ValidateTarget checks that the application is known and supports the channel.
func ValidateTarget(app Application, channel Channel) error {
	cfg, ok := applicationConfigs[app]
	if !ok {
		return fmt.Errorf("unknown application %q", app)
	}
	for _, c := range cfg.Channels {
		if c == channel {
			return nil
		}
	}
	return fmt.Errorf("channel %q is not available for %s", channel, app)
}

// Applications lists the supported applications in a stable order.
func Applications() []Application {
	return []Application{
		ApplicationDesktop,
		ApplicationFenix,
		ApplicationIOS,
		ApplicationFocusAndroid,
		ApplicationFocusIOS,
		ApplicationKlarAndroid,
		ApplicationKlarIOS,
	}
}
