// Package calllog журнал вызовов.
//
// Записи хранятся в памяти стеком (последняя сверху) и сохраняются в YAML
// файл. Повторный вызов того же типа на тот же номер не добавляет новую
// запись, а увеличивает счетчик существующей и поднимает ее наверх.
package calllog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/arzzra/callctl/pkg/callctl"
)

// DefaultMaxRecords ограничение длины журнала по умолчанию.
const DefaultMaxRecords = 200

const fileVersion = 1

// Record одна запись журнала.
type Record struct {
	ID       string
	Type     callctl.CallType
	Number   string
	Name     string
	Time     time.Time
	Duration time.Duration
	Count    int
}

// Log журнал вызовов, реализует callctl.CallLogger.
type Log struct {
	mu      sync.Mutex
	path    string
	max     int
	records []Record // от старых к новым
	log     *logrus.Entry
}

// Option настройка журнала.
type Option func(*Log)

// WithMaxRecords ограничивает число записей, старые отбрасываются.
// n <= 0 снимает ограничение.
func WithMaxRecords(n int) Option { return func(l *Log) { l.max = n } }

// WithLogger задает логгер журнала.
func WithLogger(e *logrus.Entry) Option { return func(l *Log) { l.log = e } }

// New создает пустой журнал. Пустой path - журнал только в памяти.
func New(path string, opts ...Option) *Log {
	l := &Log{path: path, max: DefaultMaxRecords}
	for _, opt := range opts {
		opt(l)
	}
	if l.log == nil {
		lg := logrus.New()
		lg.SetOutput(io.Discard)
		l.log = logrus.NewEntry(lg)
	}
	return l
}

// Open создает журнал и загружает его из path. Отсутствующий файл не ошибка.
func Open(path string, opts ...Option) (*Log, error) {
	l := New(path, opts...)
	if err := l.Load(); err != nil {
		return nil, err
	}
	return l, nil
}

// Path путь к файлу журнала.
func (l *Log) Path() string { return l.path }

// AddCall добавляет вызов. Запись с теми же типом и номером сворачивается:
// счетчик растет, время и длительность обновляются.
func (l *Log) AddCall(t callctl.CallType, number, name string, at time.Time, d time.Duration) {
	if t == callctl.CallTypeAll {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec := Record{
		ID:       uuid.New().String(),
		Type:     t,
		Number:   number,
		Name:     name,
		Time:     at,
		Duration: d,
		Count:    1,
	}
	if i := l.find(t, number); i >= 0 {
		prev := l.records[i]
		rec.ID = prev.ID
		rec.Count = prev.Count + 1
		if rec.Name == "" {
			rec.Name = prev.Name
		}
		l.records = append(l.records[:i], l.records[i+1:]...)
	}
	l.records = append(l.records, rec)
	l.trim()

	l.log.WithFields(logrus.Fields{
		"type":   t.String(),
		"number": number,
		"count":  rec.Count,
	}).Debug("call logged")
}

func (l *Log) find(t callctl.CallType, number string) int {
	for i := range l.records {
		if l.records[i].Type == t && l.records[i].Number == number {
			return i
		}
	}
	return -1
}

func (l *Log) trim() {
	if l.max > 0 && len(l.records) > l.max {
		l.records = append([]Record(nil), l.records[len(l.records)-l.max:]...)
	}
}

// List все записи, последняя сверху.
func (l *Log) List() []Record {
	return l.ListByType(callctl.CallTypeAll)
}

// ListByType записи заданного типа, последняя сверху. CallTypeAll - все.
func (l *Log) ListByType(t callctl.CallType) []Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Record, 0, len(l.records))
	for i := len(l.records) - 1; i >= 0; i-- {
		if t == callctl.CallTypeAll || l.records[i].Type == t {
			out = append(out, l.records[i])
		}
	}
	return out
}

// Count число записей.
func (l *Log) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// Delete удаляет запись по номеру и типу.
func (l *Log) Delete(number string, t callctl.CallType) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	i := l.find(t, number)
	if i < 0 {
		return false
	}
	l.records = append(l.records[:i], l.records[i+1:]...)
	return true
}

// DeleteID удаляет запись по идентификатору.
func (l *Log) DeleteID(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range l.records {
		if l.records[i].ID == id {
			l.records = append(l.records[:i], l.records[i+1:]...)
			return true
		}
	}
	return false
}

// Clear очищает журнал.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = nil
}

type fileRecord struct {
	ID       string        `yaml:"id"`
	Type     string        `yaml:"type"`
	Number   string        `yaml:"number"`
	Name     string        `yaml:"name,omitempty"`
	Time     time.Time     `yaml:"time"`
	Duration time.Duration `yaml:"duration"`
	Count    int           `yaml:"count"`
}

type file struct {
	Version int          `yaml:"version"`
	Records []fileRecord `yaml:"records"`
}

// Save записывает журнал в файл. Для журнала в памяти ничего не делает.
func (l *Log) Save() error {
	if l.path == "" {
		return nil
	}

	l.mu.Lock()
	doc := file{Version: fileVersion, Records: make([]fileRecord, 0, len(l.records))}
	for _, r := range l.records {
		doc.Records = append(doc.Records, fileRecord{
			ID:       r.ID,
			Type:     r.Type.String(),
			Number:   r.Number,
			Name:     r.Name,
			Time:     r.Time,
			Duration: r.Duration,
			Count:    r.Count,
		})
	}
	l.mu.Unlock()

	data, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("marshalling call log: %w", err)
	}

	if dir := filepath.Dir(l.path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating call log directory: %w", err)
		}
	}

	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing call log: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("replacing call log: %w", err)
	}
	return nil
}

// Load заменяет содержимое журнала данными из файла.
func (l *Log) Load() error {
	if l.path == "" {
		return nil
	}

	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading call log: %w", err)
	}

	var doc file
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing call log: %w", err)
	}

	records := make([]Record, 0, len(doc.Records))
	for _, fr := range doc.Records {
		t, ok := callctl.ParseCallType(fr.Type)
		if !ok || t == callctl.CallTypeAll {
			l.log.WithField("type", fr.Type).Warn("skipping call log record with unknown type")
			continue
		}
		id := fr.ID
		if id == "" {
			id = uuid.New().String()
		}
		count := fr.Count
		if count < 1 {
			count = 1
		}
		records = append(records, Record{
			ID:       id,
			Type:     t,
			Number:   fr.Number,
			Name:     fr.Name,
			Time:     fr.Time,
			Duration: fr.Duration,
			Count:    count,
		})
	}

	l.mu.Lock()
	l.records = records
	l.trim()
	l.mu.Unlock()
	return nil
}
