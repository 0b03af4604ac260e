package main

import (
	"errors"

	"github.com/codewandler/esrt/core/es"
)

type (
	User struct {
		es.BaseAggregate

		Name    string `json:"name"`
		Email   string `json:"email"`
		Changes int    `json:"changes"`
	}

	NameChanged  struct{ NewName string }
	EmailChanged struct{ NewEmail string }
)

func (u *User) RegisterHandlers(h *es.Handlers) {
	es.Handle(h, func(e *NameChanged) {
		u.Name = e.NewName
		u.Changes++
	})
	es.Handle(h, func(e *EmailChanged) {
		u.Email = e.NewEmail
		u.Changes++
	})
}

func (u *User) ChangeName(c es.Causation, name string) error {
	if name == "" {
		return errors.New("name is empty")
	}
	return es.Update(u, c, &NameChanged{NewName: name})
}

func (u *User) ChangeEmail(c es.Causation, email string) error {
	if email == "" {
		return errors.New("email is empty")
	}
	return es.Update(u, c, &EmailChanged{NewEmail: email})
}

var _ es.Aggregate = (*User)(nil)
