package database

// Order queries
const (
	InsertOrderSQL = `
		INSERT INTO orders (number, customer_name, customer_last_name, customer_address,
			customer_email, customer_phone, customer_note, restaurant_id, total_price,
			status, transaction_id, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at`

	InsertOrderLineSQL = `
		INSERT INTO order_lines (order_id, dish_id, dish_name, quantity, unit_price)
		VALUES ($1, $2, $3, $4, $5)`

	GetOrderByNumberSQL = `
		SELECT id, number, customer_name, customer_last_name, customer_address,
			   customer_email, customer_phone, customer_note, restaurant_id,
			   total_price::text, status, transaction_id, created_at
		FROM orders WHERE number = $1`

	GetOrderLinesSQL = `
		SELECT dish_id, dish_name, quantity, unit_price::text
		FROM order_lines
		WHERE order_id = $1
		ORDER BY id ASC`

	GetNextOrderNumberSQL = `
		SELECT COALESCE(MAX(CAST(SUBSTRING(number FROM 'ORD_[0-9]{8}_([0-9]{3})') AS INTEGER)), 0) + 1
		FROM orders
		WHERE number LIKE $1`
)

// Catalog queries
const (
	GetDishesByIDsSQL = `
		SELECT id, name, price::text, restaurant_id
		FROM dishes
		WHERE id = ANY($1)`

	GetRestaurantSQL = `
		SELECT id, name, owner_email
		FROM restaurants
		WHERE id = $1`
)
