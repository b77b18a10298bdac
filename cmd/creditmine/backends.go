package main

// Register resume state backends.
import (
	_ "github.com/gezibash/creditmine/internal/resumestore/physical/badger"
	_ "github.com/gezibash/creditmine/internal/resumestore/physical/fs"
	_ "github.com/gezibash/creditmine/internal/resumestore/physical/memory"
	_ "github.com/gezibash/creditmine/internal/resumestore/physical/redis"
	_ "github.com/gezibash/creditmine/internal/resumestore/physical/s3"
	_ "github.com/gezibash/creditmine/internal/resumestore/physical/sqlite"
)
