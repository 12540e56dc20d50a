// Package kit builds argument vectors for the external kit build tool. The
// tool is always invoked as an explicit argv with the validated project
// directory as working directory; its exit code and captured output are the
// whole contract.
package kit

import "runtime"

// DefaultWrapper returns the platform wrapper script the kit SDK ships in
// each project directory.
func DefaultWrapper() string {
	if runtime.GOOS == "windows" {
		return "repo.bat"
	}
	return "./repo.sh"
}

// BuildArgs returns the argv for building the project in the working
// directory.
func BuildArgs(wrapper string) []string {
	return []string{wrapper, "build"}
}

// BuildConfigArgs returns the argv for building a single named app config.
func BuildConfigArgs(wrapper, kitFile string) []string {
	return []string{wrapper, "build", "--config", kitFile}
}

// LaunchArgs returns the argv for running a built app. kitFile selects the
// app configuration; empty means the project default.
func LaunchArgs(wrapper, kitFile string) []string {
	argv := []string{wrapper, "launch"}
	if kitFile != "" {
		argv = append(argv, "--name", kitFile)
	}
	return argv
}
