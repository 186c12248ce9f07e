package aitask

import "errors"

// ErrAlreadyEnqueued is returned by Enqueue when a non-terminal task for
// the given emoji_id already exists (invariant I1).
var ErrAlreadyEnqueued = errors.New("aitask: a pending or processing task already exists for this image")
