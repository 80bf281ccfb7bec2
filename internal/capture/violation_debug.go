//go:build debug

package capture

func violation(err error) error {
	panic(err)
}
