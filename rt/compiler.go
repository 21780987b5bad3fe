package rt

// Compiler turns shader source into a module blob. Implementations wrap an
// external shader compiler; a nil compiler makes the manager load every
// stage from its prebuilt blob.
type Compiler interface {
	Compile(name, source string) ([]byte, error)
}

// CompilerFunc adapts a function to the Compiler interface.
type CompilerFunc func(name, source string) ([]byte, error)

func (f CompilerFunc) Compile(name, source string) ([]byte, error) {
	return f(name, source)
}
