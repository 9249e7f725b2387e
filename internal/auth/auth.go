package auth

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidCredentials = errors.New("invalid username or password")

// OperatorService keeps API operators in the journal database.
type OperatorService struct {
	db *sql.DB
}

func NewOperatorService(db *sql.DB) *OperatorService {
	return &OperatorService{db: db}
}

func (s *OperatorService) CreateOperator(ctx context.Context, username, password string) (*Operator, error) {
	if username == "" || password == "" {
		return nil, errors.New("username and password are required")
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	op := &Operator{
		Username:  username,
		Password:  string(hashed),
		CreatedAt: time.Now().UTC(),
	}

	result, err := s.db.ExecContext(ctx,
		"INSERT INTO operators (username, password, created_at) VALUES (?, ?, ?)",
		op.Username, op.Password, op.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	op.ID = id
	return op, nil
}

func (s *OperatorService) ValidateOperator(ctx context.Context, username, password string) (*Operator, error) {
	op := &Operator{}
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, password, created_at FROM operators WHERE username = ?",
		username,
	).Scan(&op.ID, &op.Username, &op.Password, &op.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(op.Password), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return op, nil
}
