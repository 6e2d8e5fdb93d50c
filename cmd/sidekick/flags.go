package main

import "time"

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	Verbose    bool
}

// RunFlags are the flags of the run command. Port flags of zero leave the
// port to negotiation.
type RunFlags struct {
	CDPPort         int
	ProxyPort       int
	BackendPort     int
	ExtensionPort   int
	ResourcesDir    string
	DisableServer   bool
	DisableUpdater  bool
	ShutdownTimeout time.Duration
}

// APIFlags select the admin API of a running daemon.
type APIFlags struct {
	APIUrl     string
	APITimeout time.Duration
}

type RestartFlags struct {
	APIFlags
	All bool
}

type HistoryFlags struct {
	APIFlags
	Limit int
}
