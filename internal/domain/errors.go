package domain

import (
	"errors"
	"fmt"
)

// Ошибки уровня кодека: фатальны для текущей операции, повтор с тем же
// ключом бессмыслен.
var (
	// ErrFormat — запечатанные данные не соответствуют ожидаемому формату.
	ErrFormat = errors.New("sealed payload has invalid format")
	// ErrAuthentication — проверка тега аутентификации не прошла.
	ErrAuthentication = errors.New("sealed payload failed authentication")
)

var (
	// ErrNotFound — документ отсутствует в удалённом репозитории.
	ErrNotFound = errors.New("record not found")
	// ErrNotAuthenticated — у действующей учётной записи нет живой сессии.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrEmptyThread — тред без постов сохранить нельзя.
	ErrEmptyThread = errors.New("thread must have at least one post")
	// ErrNotReady — асинхронная задача обработки ещё не завершена.
	// Не ошибка по существу: строка остаётся доступной для следующего цикла.
	ErrNotReady = errors.New("processing job is not ready")
)

// ValidationError — расшифрованное или полученное содержимое не прошло
// проверку схемы. Никогда не подменяется значением по умолчанию.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s", e.Message)
}

// UnsupportedDataSourceError — у вложения источник данных, с которым
// текущая операция работать не умеет.
type UnsupportedDataSourceError struct {
	Source BlobSource
}

func (e *UnsupportedDataSourceError) Error() string {
	return fmt.Sprintf("unsupported blob data source %T", e.Source)
}
