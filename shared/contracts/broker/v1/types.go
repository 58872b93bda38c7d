package v1

// SettingsView is the payload of query{settings}.
type SettingsView struct {
	General    GeneralSettings          `json:"general"`
	Extensions []ExtensionSettings      `json:"extensions"`
	Launcher   map[string]LauncherEntry `json:"launcher"`
}

type GeneralSettings struct {
	DataPort int    `json:"dataport"`
	LogLevel string `json:"loglevel"`
	Cookies  string `json:"cookies"`
	SaveLog  bool   `json:"savelog"`
	Startup  bool   `json:"startup"`
}

// ExtensionSettings describes one loaded extension.
type ExtensionSettings struct {
	Name        string       `json:"name"`
	FullName    string       `json:"fullname"`
	Version     string       `json:"version"`
	Author      string       `json:"author"`
	Description string       `json:"description"`
	Website     string       `json:"website"`
	Rates       []SourceRate `json:"rates"`

	// Settings is null for extensions without a settings schema.
	Settings []SettingDescriptor `json:"settings"`
}

// SourceRate reports a data source, whether it is enabled and its refresh rate in milliseconds.
type SourceRate struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
	Rate    int64  `json:"rate"`
}

type SettingDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"desc"`
	Type        string          `json:"type"`
	Min         *float64        `json:"min,omitempty"`
	Max         *float64        `json:"max,omitempty"`
	Step        *float64        `json:"step,omitempty"`
	Default     any             `json:"def"`
	Value       any             `json:"val"`
	Options     []SettingOption `json:"options,omitempty"`
}

type SettingOption struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// LauncherEntry is one named command the launcher target can start.
type LauncherEntry struct {
	File      string `json:"file"`
	Arguments string `json:"arguments"`
	StartPath string `json:"startpath"`
}
