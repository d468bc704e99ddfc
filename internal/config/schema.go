package config

// The engine parameter schema: key, kind, default, optional validator.
// Keep entries grouped the way the settings are consumed.
type schemaDef struct {
	key       string
	value     Value
	validator Validator
}

var schema = []schemaDef{
	// Memory quota.
	{key: "max_size", value: SizeValue(0)},
	{key: "mem_low_wat", value: SizeValue(0)},
	{key: "mem_high_wat", value: SizeValue(0)},

	// Executor pool sizing. Zero means "derive from max_threads".
	{key: "max_threads", value: SizeValue(0), validator: SizeRange(0, 512)},
	{key: "num_reader_threads", value: SizeValue(0), validator: SizeRange(0, 512)},
	{key: "num_writer_threads", value: SizeValue(0), validator: SizeRange(0, 512)},
	{key: "num_auxio_threads", value: SizeValue(0), validator: SizeRange(0, 512)},
	{key: "num_nonio_threads", value: SizeValue(0), validator: SizeRange(0, 512)},

	// Periodic maintenance cadences (seconds unless noted). The *_schedule
	// strings accept cron or interval specs and win over the plain interval
	// when set.
	{key: "stat_snap_interval", value: SizeValue(60), validator: SizeRange(1, 86400)},
	{key: "stat_snap_schedule", value: StringValue("")},
	{key: "defragmenter_enabled", value: BoolValue(true)},
	{key: "defragmenter_interval", value: SizeValue(600), validator: SizeRange(1, 86400)},
	{key: "defragmenter_schedule", value: StringValue("")},
	{key: "defragmenter_age_threshold", value: SizeValue(10)},
	{key: "defragmenter_chunk_duration", value: SizeValue(20), validator: SizeRange(1, 60000)},
	{key: "checkpoint_remover_interval", value: SizeValue(5), validator: SizeRange(1, 3600)},
	{key: "conn_manager_interval", value: SizeValue(2), validator: SizeRange(1, 86400)},
	{key: "exp_pager_stime", value: SizeValue(3600)},
	{key: "flusher_batch_limit", value: SizeValue(1 << 14), validator: SizeRange(1, 1<<20)},

	// Backfill / DCP.
	{key: "backfill_mem_threshold", value: SizeValue(96), validator: SizeRange(0, 100)},
	{key: "stream_checkpoint_batch", value: SizeValue(8), validator: SizeRange(1, 1024)},

	// Bucket/storage identity.
	{key: "bucket_type", value: StringValue("persistent")},
	{key: "dbname", value: StringValue("./kvexec-data")},
	{key: "history_driver", value: StringValue("sqlite")},
	{key: "history_size", value: SizeValue(200), validator: SizeRange(1, 100000)},

	// Mutation rate ceiling applied at the front end, items/sec (0 = off).
	{key: "mutation_rate_limit", value: SizeValue(0)},
}
