package mocks

//go:generate mockery --name LedgerStore --srcpkg github.com/braidlab/braid/internal/core/storage --output ./storage --outpkg storagemocks --with-expecter
//go:generate mockery --name Worker --srcpkg github.com/braidlab/braid/internal/worker --output ./worker --outpkg workermocks --with-expecter
