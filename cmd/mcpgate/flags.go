package main

import "time"

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

// APIFlags select the daemon remote commands talk to. When URL is empty it
// is derived from the config file, falling back to the default listen
// address.
type APIFlags struct {
	URL      string
	Timeout  time.Duration
	Insecure bool
	CACert   string
	JSON     bool
}

type ServeFlags struct {
	ConfigPath string
	Listen     string
	Daemonize  bool
	PidFile    string
	LogFile    string
}

type CallFlags struct {
	APIFlags
	Server  string
	Method  string
	Params  string
	Raw     string
	Notify  bool
	Stream  bool
	Timeout time.Duration
}

type InspectFlags struct {
	ConfigPath string
	Server     string
	Timeout    time.Duration
}
