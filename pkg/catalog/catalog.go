// Package catalog resolves company bank account references to the
// account details recorded on each payment.
package catalog

import (
	"context"
	"fmt"

	"github.com/mcclellann/loanserv/pkg/models"
)

type BankAccounts interface {
	GetCompanyAccount(ctx context.Context, ref string) (models.BankAccount, error)
}

// Static serves accounts from a fixed map, typically loaded from configuration.
type Static map[string]models.BankAccount

func (s Static) GetCompanyAccount(_ context.Context, ref string) (models.BankAccount, error) {
	acct, ok := s[ref]
	if !ok {
		return models.BankAccount{}, fmt.Errorf("bank account %q: %w", ref, models.ErrBankAccountNotFound)
	}
	return acct, nil
}
