package repository

import (
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgreSQLのエラーコード
const (
	pqUniqueViolation     = "23505"
	pqForeignKeyViolation = "23503"
)

// isPQCode はerrが指定コードのPostgreSQLエラーかを判定する。
func isPQCode(err error, code string) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == code
	}
	return false
}

// nullString は文字列ポインタをsql.NullStringに変換する。
func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// nullStringPtr はsql.NullStringを文字列ポインタに変換する。
func nullStringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

// requireAffected はExec結果の影響行数が0の場合にnotFoundを返す。
func requireAffected(result sql.Result, notFound error) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

// now はDBに保存する現在時刻を返す。
func now() time.Time {
	return time.Now().UTC()
}
