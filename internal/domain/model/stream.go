package model

// HashPrefixLen — длина префикса уникального хэша, сверяемого перед стримингом.
const HashPrefixLen = 6

// Coordinate — координата объекта в мессенджере: (канал, сообщение).
// ChannelID хранится без служебного префикса -100.
type Coordinate struct {
	ChannelID int64
	MessageID int64
	// Hash — префикс уникального хэша объекта на момент выпуска токена (может быть пуст).
	Hash string
}

// Valid сообщает, задана ли координата.
func (c Coordinate) Valid() bool {
	return c.ChannelID != 0 && c.MessageID > 0
}

// ObjectDescriptor — свойства объекта, полученные сессией по координате.
type ObjectDescriptor struct {
	// UniqueHash — уникальный идентификатор содержимого в мессенджере
	UniqueHash string
	// Size — размер объекта в байтах
	Size int64
	// Name — имя файла (может быть пустым)
	Name string
	// Mime — MIME-тип (может быть пустым)
	Mime string
	// FileRef — непрозрачная ссылка на файл для запросов чанков
	FileRef string
}

// HashPrefix возвращает первые HashPrefixLen символов уникального хэша.
func (d *ObjectDescriptor) HashPrefix() string {
	return HashPrefix(d.UniqueHash)
}

// HashPrefix обрезает хэш до HashPrefixLen символов.
func HashPrefix(hash string) string {
	if len(hash) <= HashPrefixLen {
		return hash
	}
	return hash[:HashPrefixLen]
}

// IngestEvent — событие загрузки нового объекта в мессенджер.
// Metadata содержит поля записи без списков качеств и сезонов.
type IngestEvent struct {
	Metadata    MediaRecord
	Coordinate  Coordinate
	Quality     string
	DisplayName string
	SizeLabel   string
	// Season, Episode — только для сериалов (>= 1).
	Season          int
	Episode         int
	EpisodeTitle    string
	EpisodeBackdrop string
	// Caption — исходная подпись сообщения (для дописывания суффикса).
	Caption string
}
