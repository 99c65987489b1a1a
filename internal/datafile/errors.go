package datafile

import "errors"

var (
	errEmptyBlockData = errors.New("datafile: block data has no rows")
	errEmptyTable     = errors.New("datafile: table has no blocks")
)
