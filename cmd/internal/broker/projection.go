package broker

import (
	"context"
	"fmt"

	"lumen/cmd/internal/extension"
	"lumen/cmd/internal/settings"
	v1 "lumen/shared/contracts/broker/v1"
)

// SettingsView assembles the settings projection. It only reads: persisted values
// come from the settings store and extension metadata from registry views.
func (b *Broker) SettingsView(ctx context.Context) (v1.SettingsView, error) {
	general := b.general
	var launchers map[string]settings.LaunchEntry

	if b.settings != nil {
		g, err := b.settings.General(ctx, b.general)
		if err != nil {
			return v1.SettingsView{}, fmt.Errorf("broker: general settings: %w", err)
		}
		general = g

		l, err := b.settings.Launchers(ctx)
		if err != nil {
			return v1.SettingsView{}, fmt.Errorf("broker: launchers: %w", err)
		}
		launchers = l
	}

	return Project(general, b.exts.Views(), launchers), nil
}

// Project renders the settings view. Extensions keep the order of views.
func Project(g settings.General, views []extension.View, launchers map[string]settings.LaunchEntry) v1.SettingsView {
	out := v1.SettingsView{
		General: v1.GeneralSettings{
			DataPort: g.Port,
			LogLevel: g.LogLevel,
			Cookies:  g.Cookies,
			SaveLog:  g.SaveLog,
			Startup:  g.Startup,
		},
		Extensions: make([]v1.ExtensionSettings, 0, len(views)),
		Launcher:   make(map[string]v1.LauncherEntry, len(launchers)),
	}

	for _, v := range views {
		out.Extensions = append(out.Extensions, projectExtension(v))
	}
	for name, e := range launchers {
		out.Launcher[name] = v1.LauncherEntry{File: e.File, Arguments: e.Arguments, StartPath: e.StartPath}
	}
	return out
}

func projectExtension(v extension.View) v1.ExtensionSettings {
	es := v1.ExtensionSettings{
		Name:        v.Info.Code,
		FullName:    v.Info.Name,
		Version:     v.Info.Version,
		Author:      v.Info.Author,
		Description: v.Info.Description,
		Website:     v.Info.Website,
		Rates:       make([]v1.SourceRate, 0, len(v.Sources)),
	}

	for _, s := range v.Sources {
		es.Rates = append(es.Rates, v1.SourceRate{
			Name:    s.Name,
			Enabled: s.Enabled,
			Rate:    max(0, s.Refresh.Milliseconds()),
		})
	}

	if v.Settings == nil {
		return es
	}

	es.Settings = make([]v1.SettingDescriptor, 0, len(v.Settings))
	for _, st := range v.Settings {
		d := v1.SettingDescriptor{
			Name:        st.Name,
			Description: st.Description,
			Type:        string(st.Type),
			Default:     st.Default,
			Value:       st.Value,
		}
		if st.Numeric() {
			minV, maxV, step := st.Min, st.Max, st.Step
			d.Min, d.Max, d.Step = &minV, &maxV, &step
		}
		for _, o := range st.Options {
			d.Options = append(d.Options, v1.SettingOption{Name: o.Name, Value: o.Value})
		}
		es.Settings = append(es.Settings, d)
	}
	return es
}
