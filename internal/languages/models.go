package languages

// Toolchain describes how one language is built and run inside a
// workspace. Commands are relative to the workspace root.
type Toolchain struct {
	SourceFile     string
	CompileCommand []string
	RunCommand     []string
	// Env is the complete child environment for both phases.
	Env []string
}

type Language struct {
	ID      string
	Name    string
	Aliases []string
	Config  Toolchain
}
