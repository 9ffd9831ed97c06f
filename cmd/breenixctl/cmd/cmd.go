/*************************************************************************
 * Breenix kernel — process/thread substrate
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 *************************************************************************/

package cmd

import (
	"fmt"
	"os"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/ryanbreen/breenix-sub004/internal/kconfig"
	"github.com/ryanbreen/breenix-sub004/internal/kernel"
	"github.com/ryanbreen/breenix-sub004/internal/klog"
	"github.com/ryanbreen/breenix-sub004/internal/ksyscall"
	"github.com/ryanbreen/breenix-sub004/internal/trap"
)

var (
	configPath string
	lockPath   string
	logPath    string
	logLevel   string
	forkDemo   int
)

var breenixctlCmd = &cobra.Command{
	Use:   "breenixctl",
	Short: "Boot and inspect the Breenix kernel simulation.",
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	pf := breenixctlCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "path to a kconfig INI file (defaults to a built-in config with no program mounts)")
	pf.StringVar(&lockPath, "lock-file", defaultLockPath(), "path to the single-instance boot lock")
	pf.StringVar(&logPath, "log-file", "", "path to write kernel log lines to (defaults to stderr)")
	pf.StringVar(&logLevel, "log-level", "INFO", "minimum log level (DEBUG, INFO, WARN, ERROR, CRITICAL, FATAL)")
	pf.IntVar(&forkDemo, "fork-demo", 0, "fork this many children off init before running the command, for inspecting a non-trivial process table")
}

func defaultLockPath() string {
	return fmt.Sprintf("%s/breenixctl.lock", os.TempDir())
}

// SetupCommands wires the command tree together and returns the root.
func SetupCommands() *cobra.Command {
	breenixctlCmd.AddCommand(bootCmd)
	breenixctlCmd.AddCommand(psCmd)
	breenixctlCmd.AddCommand(dumpCmd)
	return breenixctlCmd
}

// outputErrorAndExit reports err to stderr and exits non-zero; used by leaf
// commands once cobra has already parsed flags successfully.
func outputErrorAndExit(msg string, err error) {
	fmt.Fprintf(os.Stderr, "breenixctl: %s: %v\n", msg, err)
	os.Exit(1)
}

// acquireBootLock guards against two breenixctl invocations booting a
// kernel against the same lock file concurrently. A real OS enforces this
// with a single hardware CPU bootstrapping once; this is the simulation's
// equivalent of that guarantee.
func acquireBootLock() (*flock.Flock, error) {
	fl := flock.New(lockPath)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire boot lock %s: %w", lockPath, err)
	}
	if !ok {
		return nil, fmt.Errorf("boot lock %s is held by another breenixctl instance", lockPath)
	}
	return fl, nil
}

// newLogger builds the klog.Logger every subcommand boots the kernel with.
func newLogger() (*klog.Logger, error) {
	var log *klog.Logger
	if logPath == "" {
		log = klog.New(os.Stderr)
	} else {
		var err error
		if log, err = klog.NewFile(logPath); err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
	}
	if err := log.SetLevelString(logLevel); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	return log, nil
}

// loadConfig honors --config when set, otherwise falls back to a Default
// configuration with no program mounts — enough to boot pid 1 and exercise
// fork/wait/signals without needing a populated program directory on disk.
func loadConfig() (kconfig.Config, error) {
	if configPath == "" {
		return kconfig.Default(nil), nil
	}
	return kconfig.Load(configPath)
}

// bootKernel performs the boot sequence shared by every subcommand:
// acquire the lock, build the logger, boot the kernel, and fork the
// requested number of demo children off init so `ps`/`dump` have more than
// a single zombie-free row to show.
func bootKernel() (k *kernel.Kernel, unlock func(), err error) {
	fl, err := acquireBootLock()
	if err != nil {
		return nil, nil, err
	}
	unlock = func() {
		fl.Unlock()
	}

	log, err := newLogger()
	if err != nil {
		unlock()
		return nil, nil, err
	}

	cfg, err := loadConfig()
	if err != nil {
		unlock()
		return nil, nil, err
	}

	k, err = kernel.Boot(cfg, log)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	k.StartInit()

	for i := 0; i < forkDemo; i++ {
		tf := forkFrame()
		k.HandleTrap(trap.KindSyscall, &tf)
		if pid := int64(tf.Rax); pid <= 1 {
			unlock()
			return nil, nil, fmt.Errorf("fork-demo child %d: fork returned %d", i, pid)
		}
	}

	return k, unlock, nil
}

// forkFrame builds the syscall trap frame for a bare fork(), used to grow
// the demo process tree off init. No arguments: fork takes none.
func forkFrame() trap.TrapFrame {
	var tf trap.TrapFrame
	tf.Rax = uint64(ksyscall.SysFork)
	return tf
}
