package apt

import "iter"

// Lines is the line oriented output of a resolver run.
type Lines interface {
	// All yields the lines. It can be ranged over once.
	All() iter.Seq[string]
	// Wait releases the source and returns the first error met while
	// producing the lines, such as a non-zero exit status.
	Wait() error
}
