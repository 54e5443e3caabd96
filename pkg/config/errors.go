package config

import "fmt"

type combinedError struct {
	errs []error
}

func (e *combinedError) Error() string {
	if len(e.errs) == 1 {
		return e.errs[0].Error()
	}
	out := ""
	for i, err := range e.errs {
		if i > 0 {
			out += "; "
		}
		out += err.Error()
	}
	return fmt.Sprintf("%d errors: %s", len(e.errs), out)
}

// AppendError accumulates validation failures, returning nil only when both
// inputs are nil.
func AppendError(errs, err error) error {
	if err == nil {
		return errs
	}
	if errs == nil {
		return err
	}
	if c, ok := errs.(*combinedError); ok {
		c.errs = append(c.errs, err)
		return c
	}
	return &combinedError{errs: []error{errs, err}}
}
