package main

import (
	"github.com/arloliu/go-beamctl/control"
)

var (
	reportCmd = responseCmd("report", "Show the device status", (*control.Session).Report)
	startCmd  = responseCmd("start", "Start the uploaded task", (*control.Session).Start)
	pauseCmd  = responseCmd("pause", "Pause the running task", (*control.Session).Pause)
	resumeCmd = responseCmd("resume", "Resume the paused task", (*control.Session).Resume)
	abortCmd  = responseCmd("abort", "Abort the running task and wait until it stopped", (*control.Session).Abort)
	quitCmd   = responseCmd("quit", "Leave the finished task and wait until the device is idle", (*control.Session).Quit)
	infoCmd   = responseCmd("info", "Show device information", (*control.Session).DeviceInfo)
)
