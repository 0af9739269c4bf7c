package engine

import (
	"database/sql/driver"
	"fmt"
	"sync"

	sqlite "modernc.org/sqlite"
)

var (
	registerOnce sync.Once
	registerErr  error
)

// RegisterGeometryFunctions registers st_x and st_y with the driver so they
// are available on connections opened after this call. Both accept a
// little-endian WKB point BLOB and return NULL for NULL input. Repeated calls
// return the outcome of the first one.
func RegisterGeometryFunctions() error {
	registerOnce.Do(func() {
		if err := sqlite.RegisterDeterministicScalarFunction("st_x", 1, coordinate("st_x", 0)); err != nil {
			registerErr = fmt.Errorf("register st_x: %w", err)
			return
		}
		if err := sqlite.RegisterDeterministicScalarFunction("st_y", 1, coordinate("st_y", 1)); err != nil {
			registerErr = fmt.Errorf("register st_y: %w", err)
		}
	})
	return registerErr
}

func coordinate(name string, axis int) func(*sqlite.FunctionContext, []driver.Value) (driver.Value, error) {
	return func(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("%s: expected 1 argument, got %d", name, len(args))
		}
		var blob []byte
		switch v := args[0].(type) {
		case nil:
			return nil, nil
		case []byte:
			blob = v
		default:
			return nil, fmt.Errorf("%s: unsupported argument type %T; want BLOB", name, v)
		}
		x, y, ok, err := DecodePointWKB(blob)
		if err != nil || !ok {
			return nil, err
		}
		if axis == 0 {
			return x, nil
		}
		return y, nil
	}
}
