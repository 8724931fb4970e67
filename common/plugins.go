package common

import (
	"github.com/sirupsen/logrus"
)

var (
	Plugins []Plugin
)

type PluginCategory struct {
	Name string
}

var (
	PluginCategoryCore     = &PluginCategory{Name: "Core"}
	PluginCategoryDelivery = &PluginCategory{Name: "Delivery"}
	PluginCategoryGames    = &PluginCategory{Name: "Games"}
)

type PluginInfo struct {
	Name     string // Human readable name of the plugin
	SysName  string // snake_case version of the name in lower case
	Category *PluginCategory
}

// Plugin represents a plugin, all plugins needs to implement this at a bare minimum
type Plugin interface {
	PluginInfo() *PluginInfo
}

// RegisterPlugin registers a plugin, should be called when the process is starting up
func RegisterPlugin(plugin Plugin) {
	Plugins = append(Plugins, plugin)
	logrus.Info("Registered plugin: " + plugin.PluginInfo().Name)
}

// ResetPlugins clears the registered plugins, only used in tests
func ResetPlugins() {
	Plugins = nil
}
