package tokenizer

import "errors"

// errNoPreciseCounter reports that no provider-backed counter is wired
var errNoPreciseCounter = errors.New("tokenizer: no precise counter configured")
