/*************************************************************************
 * Breenix kernel — process/thread substrate
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 *************************************************************************/

// Package kconfig loads the boot configuration: timer frequency, physical
// frame pool size, kernel stack size, process table capacity, and the
// program search roots (the kernel's loader watches the first one it can
// open). Parsing follows the teacher's
// INI-via-gcfg convention: a Global section plus named Mount subsections.
package kconfig

import (
	"errors"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/gravwell/gcfg"
)

const (
	maxConfigSize int64 = 1024 * 1024 * 4

	defaultTimerHz       = 100
	defaultFrameCount    = 1 << 16 // 64K frames = 256MiB at 4KiB/frame
	defaultKernelStackKB = 16
	defaultMaxProcesses  = 4096
	defaultLogLevel      = `WARN`
)

var (
	ErrNoMounts         = errors.New("no program search roots configured")
	ErrInvalidTimerHz   = errors.New("invalid timer frequency")
	ErrInvalidFrameSize = errors.New("invalid physical frame pool size")
)

type global struct {
	Log_File        string
	Log_Level       string
	Timer_Hz        int
	Frame_Count     int
	Kernel_Stack_KB int
	Max_Processes   int
}

// mountReadCfg is one named program search root as read from the file.
type mountReadCfg struct {
	Path     string
	Readonly bool
}

type cfgType struct {
	Global global
	Mount  map[string]*mountReadCfg
}

// Config is the validated, defaulted boot configuration.
type Config struct {
	LogFile        string
	LogLevel       string
	TimerHz        int
	FrameCount     int
	KernelStackKB  int
	MaxProcesses   int
	ProgramMounts  map[string]string // name -> path
}

// Load reads and validates the configuration file at path.
func Load(path string) (c Config, err error) {
	var fin *os.File
	var fi os.FileInfo
	var data []byte

	if fin, err = os.Open(path); err != nil {
		return
	}
	defer fin.Close()
	if fi, err = fin.Stat(); err != nil {
		return
	}
	if fi.Size() > maxConfigSize {
		err = errors.New("config file far too large")
		return
	}
	if data, err = ioutil.ReadAll(fin); err != nil {
		return
	}

	var raw cfgType
	if err = gcfg.ReadStringInto(&raw, string(data)); err != nil {
		return
	}
	c = raw.resolve()
	err = c.validate()
	return
}

func (raw cfgType) resolve() Config {
	c := Config{
		LogFile:       raw.Global.Log_File,
		LogLevel:      raw.Global.Log_Level,
		TimerHz:       raw.Global.Timer_Hz,
		FrameCount:    raw.Global.Frame_Count,
		KernelStackKB: raw.Global.Kernel_Stack_KB,
		MaxProcesses:  raw.Global.Max_Processes,
		ProgramMounts: make(map[string]string, len(raw.Mount)),
	}
	if c.LogLevel == `` {
		c.LogLevel = defaultLogLevel
	}
	if c.TimerHz <= 0 {
		c.TimerHz = defaultTimerHz
	}
	if c.FrameCount <= 0 {
		c.FrameCount = defaultFrameCount
	}
	if c.KernelStackKB <= 0 {
		c.KernelStackKB = defaultKernelStackKB
	}
	if c.MaxProcesses <= 0 {
		c.MaxProcesses = defaultMaxProcesses
	}
	for name, m := range raw.Mount {
		if m == nil || m.Path == `` {
			continue
		}
		c.ProgramMounts[name] = filepath.Clean(m.Path)
	}
	return c
}

func (c Config) validate() error {
	if len(c.ProgramMounts) == 0 {
		return ErrNoMounts
	}
	if c.TimerHz <= 0 {
		return ErrInvalidTimerHz
	}
	if c.FrameCount <= 0 {
		return ErrInvalidFrameSize
	}
	return nil
}

// Default returns a Config suitable for tests and scenario runs that do not
// read a file from disk.
func Default(mounts map[string]string) Config {
	c := Config{
		LogLevel:      defaultLogLevel,
		TimerHz:       defaultTimerHz,
		FrameCount:    defaultFrameCount,
		KernelStackKB: defaultKernelStackKB,
		MaxProcesses:  defaultMaxProcesses,
		ProgramMounts: mounts,
	}
	return c
}
