package storage

const expenseColumns = `id, amount_minor, category, description, date, created_at, request_id`

const insertExpense = `
INSERT INTO expenses (id, seq, amount_minor, category, description, date, created_at, request_id)
VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM expenses), ?, ?, ?, ?, ?, ?)`

const getExpenseByRequestID = `SELECT ` + expenseColumns + ` FROM expenses WHERE request_id = ?`

const getExpenseByID = `SELECT ` + expenseColumns + ` FROM expenses WHERE id = ?`

const listExpenses = `SELECT ` + expenseColumns + ` FROM expenses`

const listCategories = `SELECT DISTINCT category FROM expenses ORDER BY category`

const listDates = `SELECT DISTINCT date FROM expenses ORDER BY date DESC`

const listPendingMirror = `SELECT ` + expenseColumns + `
FROM expenses
WHERE mirrored_at IS NULL
ORDER BY seq
LIMIT ?`

const markMirrored = `UPDATE expenses SET mirrored_at = ? WHERE id = ? AND mirrored_at IS NULL`

const isMirrored = `SELECT mirrored_at IS NOT NULL FROM expenses WHERE id = ?`

// claimMirror takes the mirror lease on an unmirrored expense unless another
// worker holds a lease newer than the stale cutoff. Times are unix nanoseconds.
const claimMirror = `UPDATE expenses SET mirror_claimed_at = ?
WHERE id = ? AND mirrored_at IS NULL
AND (mirror_claimed_at IS NULL OR mirror_claimed_at < ?)`

const releaseMirror = `UPDATE expenses SET mirror_claimed_at = NULL WHERE id = ? AND mirrored_at IS NULL`
