package localstore

// recordRow is the current layout of the records table.
type recordRow struct {
	LocalID      string  `gorm:"column:local_id;primaryKey;size:190;not null"`
	RemoteID     *string `gorm:"column:remote_id;size:190;uniqueIndex:idx_records_remote_id"`
	Category     string  `gorm:"column:category;size:64;not null;default:'qa';index:idx_records_candidates,priority:1"`
	Question     string  `gorm:"column:question;type:text;not null;default:''"`
	Answer       string  `gorm:"column:answer;type:text;not null;default:''"`
	Source       string  `gorm:"column:source;type:text;not null;default:''"`
	NotebookRef  string  `gorm:"column:notebook_ref;size:512;not null;default:''"`
	CapturedAtMs int64   `gorm:"column:captured_at_ms;not null;default:0"`
	Class        string  `gorm:"column:class;size:32;not null;default:''"`
	SizeBytes    int64   `gorm:"column:size_bytes;not null;default:0"`
	CachedAtMs   int64   `gorm:"column:cached_at_ms;not null;index:idx_records_cached_at"`
	SyncedAtMs   *int64  `gorm:"column:synced_at_ms;index:idx_records_synced_at"`
	SyncError    *string `gorm:"column:sync_error;type:text"`
	SyncAttempts int     `gorm:"column:sync_attempts;not null;default:0;index:idx_records_candidates,priority:2"`
	Dirty        bool    `gorm:"column:dirty;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (recordRow) TableName() string {
	return "records"
}

// recordRowV1 is the records layout of revision 1.
type recordRowV1 struct {
	LocalID      string  `gorm:"column:local_id;primaryKey;size:190;not null"`
	RemoteID     *string `gorm:"column:remote_id;size:190;uniqueIndex:idx_records_remote_id"`
	Category     string  `gorm:"column:category;size:64;not null;default:'qa';index:idx_records_candidates,priority:1"`
	Question     string  `gorm:"column:question;type:text;not null;default:''"`
	Answer       string  `gorm:"column:answer;type:text;not null;default:''"`
	Source       string  `gorm:"column:source;type:text;not null;default:''"`
	NotebookRef  string  `gorm:"column:notebook_ref;size:512;not null;default:''"`
	CapturedAtMs int64   `gorm:"column:captured_at_ms;not null;default:0"`
	CachedAtMs   int64   `gorm:"column:cached_at_ms;not null;index:idx_records_cached_at"`
	SyncedAtMs   *int64  `gorm:"column:synced_at_ms;index:idx_records_synced_at"`
	SyncError    *string `gorm:"column:sync_error;type:text"`
	SyncAttempts int     `gorm:"column:sync_attempts;not null;default:0;index:idx_records_candidates,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (recordRowV1) TableName() string {
	return "records"
}

// settingRow is one entry of the process-wide key/value area.
type settingRow struct {
	Key         string `gorm:"column:key;primaryKey;size:190;not null"`
	Value       string `gorm:"column:value;type:text;not null"`
	UpdatedAtMs int64  `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (settingRow) TableName() string {
	return "settings"
}

// tombstoneRow remembers records deleted locally so pulls skip them, matched by either id.
type tombstoneRow struct {
	LocalID     string  `gorm:"column:local_id;primaryKey;size:190;not null"`
	RemoteID    *string `gorm:"column:remote_id;size:190;uniqueIndex:idx_tombstones_remote_id"`
	Category    string  `gorm:"column:category;size:64;not null;default:'qa'"`
	DeletedAtMs int64   `gorm:"column:deleted_at_ms;not null;index:idx_tombstones_deleted_at"`
}

// TableName provides the explicit table binding for GORM.
func (tombstoneRow) TableName() string {
	return "tombstones"
}
