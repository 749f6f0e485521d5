package portstest

import "testing"

func TestRepositoryContract(t *testing.T) {
	StoreContract(t, func(t *testing.T) Store { return NewRepository() })
}
