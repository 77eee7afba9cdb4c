package journal

func (j *Journal) SetSchemaVersionForTest(version int) error {
	_, err := j.db.Exec("UPDATE schema_version SET version = ?", version)
	return err
}
